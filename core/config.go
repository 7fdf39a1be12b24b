package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the backend. It follows a three-layer
// priority scheme:
//  1. Default values (lowest priority)
//  2. YAML configuration file
//  3. Environment variables (highest priority)
//
// Example usage:
//
//	cfg, err := LoadConfig("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Environment is one of dev, staging, prod, test. Production forbids the
	// debug log level and requires a cloud project id.
	Environment    string `yaml:"environment"`
	CloudProjectID string `yaml:"cloud_project_id"`

	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Routing  RoutingConfig  `yaml:"routing"`
	Business BusinessConfig `yaml:"business"`
	Sync     SyncConfig     `yaml:"sync"`
	SMS      SMSConfig      `yaml:"sms"`
	Security SecurityConfig `yaml:"security"`
}

// LoggingConfig controls the logrus adapter.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DatabaseConfig covers the primary/replica pools and execution limits.
type DatabaseConfig struct {
	PrimaryURL         string        `yaml:"primary_url"`
	Replicas           []string      `yaml:"replicas"` // also POSTGRES_REPLICAS, comma separated
	PoolSize           int           `yaml:"pool_size"`
	MaxOverflow        int           `yaml:"max_overflow"`
	PoolTimeout        time.Duration `yaml:"pool_timeout"`
	PoolRecycle        time.Duration `yaml:"pool_recycle"`
	PoolPrePing        bool          `yaml:"pool_pre_ping"`
	StatementTimeout   time.Duration `yaml:"statement_timeout"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	KeepalivesIdle     int           `yaml:"keepalives_idle"`
	KeepalivesInterval int           `yaml:"keepalives_interval"`
	KeepalivesCount    int           `yaml:"keepalives_count"`
	HealthInterval     time.Duration `yaml:"health_interval"`
}

// RedisConfig selects direct endpoint or sentinel-mediated discovery.
type RedisConfig struct {
	URL        string   `yaml:"url"`
	Sentinels  []string `yaml:"sentinels"` // also REDIS_SENTINELS, comma separated
	MasterName string   `yaml:"master_name"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
}

// RoutingConfig covers the external routing service and road heuristics.
type RoutingConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	RoadFactor     float64       `yaml:"road_factor"` // winding multiplier over great-circle
	PeakFactor     float64       `yaml:"peak_factor"`
	PeakMorning    ClockWindow   `yaml:"peak_morning"`
	PeakEvening    ClockWindow   `yaml:"peak_evening"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CoordPrecision int           `yaml:"coord_precision"` // decimal places for cache keys
}

// BusinessConfig holds delivery-domain tunables.
type BusinessConfig struct {
	DeliveryStartHour     int           `yaml:"delivery_start_hour"`
	DeliveryEndHour       int           `yaml:"delivery_end_hour"`
	BaseServiceTime       time.Duration `yaml:"base_service_time"`
	TimePerCylinder       time.Duration `yaml:"time_per_cylinder"`
	MaxStopsPerRoute      int           `yaml:"max_stops_per_route"`
	MaxRouteDurationHours int           `yaml:"max_route_duration_hours"`
	DriverCostPerHour     float64       `yaml:"driver_cost_per_hour"`
	FuelCostPerKM         float64       `yaml:"fuel_cost_per_km"`
	CylinderSizes         []int         `yaml:"cylinder_sizes"`
}

// SyncConfig tunes the dual-write engine.
type SyncConfig struct {
	Workers          int           `yaml:"workers"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	StaleClaimAfter  time.Duration `yaml:"stale_claim_after"`
	DefaultTxTimeout time.Duration `yaml:"default_tx_timeout"`
}

// SMSConfig tunes the gateway defaults; providers register at startup.
type SMSConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BulkBatchSize   int           `yaml:"bulk_batch_size"`
	BulkBatchPause  time.Duration `yaml:"bulk_batch_pause"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
}

// SecurityConfig holds auth-policy hooks consumed by the external auth layer.
type SecurityConfig struct {
	PasswordMinLength      int  `yaml:"password_min_length"`
	PasswordRequireUpper   bool `yaml:"password_require_upper"`
	PasswordRequireDigit   bool `yaml:"password_require_digit"`
	PasswordRequireSpecial bool `yaml:"password_require_special"`
	SessionTimeoutMinutes  int  `yaml:"session_timeout_minutes"`
	MaxLoginAttempts       int  `yaml:"max_login_attempts"`
	LockoutDurationMinutes int  `yaml:"lockout_duration_minutes"`
}

// DefaultConfig returns the baseline configuration before file and
// environment overrides.
func DefaultConfig() *Config {
	return &Config{
		Environment: "dev",
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			PoolSize:         10,
			MaxOverflow:      5,
			PoolTimeout:      30 * time.Second,
			PoolRecycle:      30 * time.Minute,
			PoolPrePing:      true,
			StatementTimeout: 30 * time.Second,
			CommandTimeout:   60 * time.Second,
			KeepalivesIdle:   60,
			KeepalivesInterval: 10,
			KeepalivesCount:  3,
			HealthInterval:   30 * time.Second,
		},
		Redis: RedisConfig{URL: "redis://localhost:6379", MasterName: "mymaster"},
		Routing: RoutingConfig{
			Timeout:        5 * time.Second,
			RoadFactor:     1.3,
			PeakFactor:     1.5,
			PeakMorning:    ClockWindow{StartHour: 7, EndHour: 9},
			PeakEvening:    ClockWindow{StartHour: 17, EndHour: 19},
			CacheTTL:       time.Hour,
			CoordPrecision: 5,
		},
		Business: BusinessConfig{
			DeliveryStartHour:     8,
			DeliveryEndHour:       18,
			BaseServiceTime:       5 * time.Minute,
			TimePerCylinder:       2 * time.Minute,
			MaxStopsPerRoute:      30,
			MaxRouteDurationHours: 8,
			DriverCostPerHour:     200,
			FuelCostPerKM:         3.5,
			CylinderSizes:         []int{4, 10, 16, 20, 50},
		},
		Sync: SyncConfig{
			Workers:          3,
			MaxRetries:       3,
			RetryInterval:    10 * time.Second,
			StaleClaimAfter:  10 * time.Minute,
			DefaultTxTimeout: 300 * time.Second,
		},
		SMS: SMSConfig{
			MaxAttempts:     3,
			BulkBatchSize:   100,
			BulkBatchPause:  time.Second,
			ProviderTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			PasswordMinLength:      8,
			PasswordRequireUpper:   true,
			PasswordRequireDigit:   true,
			SessionTimeoutMinutes:  60,
			MaxLoginAttempts:       5,
			LockoutDurationMinutes: 15,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file,
// and environment overrides, then validates it. Pass "" to skip the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, ErrInvalidConfiguration)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays GASFLOW_* environment variables plus the conventional
// POSTGRES_REPLICAS / REDIS_SENTINELS / REDIS_MASTER_NAME names.
func (c *Config) applyEnv() {
	envStr("GASFLOW_ENV", &c.Environment)
	envStr("GASFLOW_CLOUD_PROJECT_ID", &c.CloudProjectID)
	envStr("GASFLOW_LOG_LEVEL", &c.Logging.Level)
	envStr("GASFLOW_LOG_FORMAT", &c.Logging.Format)

	envStr("GASFLOW_DATABASE_URL", &c.Database.PrimaryURL)
	envList("POSTGRES_REPLICAS", &c.Database.Replicas)
	envInt("GASFLOW_DB_POOL_SIZE", &c.Database.PoolSize)
	envInt("GASFLOW_DB_MAX_OVERFLOW", &c.Database.MaxOverflow)
	envDur("GASFLOW_DB_POOL_TIMEOUT", &c.Database.PoolTimeout)
	envDur("GASFLOW_DB_POOL_RECYCLE", &c.Database.PoolRecycle)
	envBool("GASFLOW_DB_POOL_PRE_PING", &c.Database.PoolPrePing)
	envDur("GASFLOW_DB_STATEMENT_TIMEOUT", &c.Database.StatementTimeout)
	envDur("GASFLOW_DB_COMMAND_TIMEOUT", &c.Database.CommandTimeout)
	envInt("GASFLOW_DB_KEEPALIVES_IDLE", &c.Database.KeepalivesIdle)
	envInt("GASFLOW_DB_KEEPALIVES_INTERVAL", &c.Database.KeepalivesInterval)
	envInt("GASFLOW_DB_KEEPALIVES_COUNT", &c.Database.KeepalivesCount)

	envStr("GASFLOW_REDIS_URL", &c.Redis.URL)
	envList("REDIS_SENTINELS", &c.Redis.Sentinels)
	envStr("REDIS_MASTER_NAME", &c.Redis.MasterName)
	envStr("GASFLOW_REDIS_PASSWORD", &c.Redis.Password)
	envInt("GASFLOW_REDIS_DB", &c.Redis.DB)

	envStr("GASFLOW_ROUTING_BASE_URL", &c.Routing.BaseURL)
	envStr("GASFLOW_ROUTING_API_KEY", &c.Routing.APIKey)
	envDur("GASFLOW_ROUTING_TIMEOUT", &c.Routing.Timeout)

	envInt("GASFLOW_DELIVERY_START_HOUR", &c.Business.DeliveryStartHour)
	envInt("GASFLOW_DELIVERY_END_HOUR", &c.Business.DeliveryEndHour)
	envInt("GASFLOW_MAX_STOPS_PER_ROUTE", &c.Business.MaxStopsPerRoute)
	envInt("GASFLOW_MAX_ROUTE_DURATION_HOURS", &c.Business.MaxRouteDurationHours)

	envInt("GASFLOW_SYNC_WORKERS", &c.Sync.Workers)
	envInt("GASFLOW_SYNC_MAX_RETRIES", &c.Sync.MaxRetries)
}

// Validate enforces cross-field configuration invariants.
func (c *Config) Validate() error {
	switch c.Environment {
	case "dev", "staging", "prod", "test":
	default:
		return fmt.Errorf("unknown environment %q: %w", c.Environment, ErrInvalidConfiguration)
	}
	if c.Environment == "prod" {
		if c.Logging.Level == "debug" {
			return fmt.Errorf("debug log level is not allowed in production: %w", ErrInvalidConfiguration)
		}
		if c.CloudProjectID == "" {
			return fmt.Errorf("cloud_project_id is required in production: %w", ErrMissingConfiguration)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q: %w", c.Logging.Level, ErrInvalidConfiguration)
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("database pool_size must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Business.DeliveryStartHour < 0 || c.Business.DeliveryEndHour > 24 ||
		c.Business.DeliveryStartHour >= c.Business.DeliveryEndHour {
		return fmt.Errorf("invalid delivery window %d-%d: %w",
			c.Business.DeliveryStartHour, c.Business.DeliveryEndHour, ErrInvalidConfiguration)
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync workers must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Routing.RoadFactor < 1 {
		return fmt.Errorf("routing road_factor must be >= 1: %w", ErrInvalidConfiguration)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
