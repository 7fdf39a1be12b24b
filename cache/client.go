// Package cache is the Redis data-plane client. It speaks either to a
// direct endpoint or through sentinels to a named master, wraps every
// operation in a circuit breaker, and keeps per-operation counters with a
// bounded latency window.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/resilience"
)

const statsLatencyWindow = 1000

// Client wraps a Redis connection with reliability and observability.
type Client struct {
	rdb     redis.UniversalClient
	breaker *resilience.CircuitBreaker
	logger  core.Logger
	stats   *stats
}

// New connects according to configuration: sentinel-mediated failover when
// sentinel addresses are configured, a direct endpoint otherwise.
func New(cfg core.RedisConfig, logger core.Logger) (*Client, error) {
	var rdb redis.UniversalClient
	if len(cfg.Sentinels) > 0 {
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Sentinels,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	} else {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, &core.DomainError{Op: "cache.New", Kind: "fatal", Err: err}
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		rdb = redis.NewClient(opts)
	}
	return NewWithClient(rdb, logger), nil
}

// NewWithClient wraps an already-connected client; tests pass a client
// pointed at miniredis.
func NewWithClient(rdb redis.UniversalClient, logger core.Logger) *Client {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Client{
		rdb: rdb,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "redis",
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			Logger:           logger,
		}),
		logger: logger,
		stats:  newStats(),
	}
}

// do wraps one operation with the breaker and records its latency.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, fn)
	c.stats.observe(op, time.Since(start), err)
	return err
}

// Get returns the raw string value. Missing keys report found=false with no
// error.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	found := false
	err := c.do(ctx, "get", func() error {
		v, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if found {
		c.stats.hit()
	} else {
		c.stats.miss()
	}
	return value, found, nil
}

// Set stores a raw string. ttl <= 0 means no expiry.
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.do(ctx, "set", func() error {
		return c.rdb.Set(ctx, key, value, normalizeTTL(ttl)).Err()
	})
}

// SetValue stores any value: plain strings pass through, everything else is
// JSON-encoded.
func (c *Client) SetValue(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if s, ok := value.(string); ok {
		return c.Set(ctx, key, s, ttl)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return &core.DomainError{Op: "cache.SetValue", Kind: "fatal", ID: key, Err: err}
	}
	return c.Set(ctx, key, string(raw), ttl)
}

// GetValue fetches and JSON-decodes a value; non-JSON payloads come back as
// the stored string.
func (c *Client) GetValue(ctx context.Context, key string) (interface{}, bool, error) {
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	var decoded interface{}
	if json.Unmarshal([]byte(raw), &decoded) != nil {
		return raw, true, nil
	}
	return decoded, true, nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.do(ctx, "delete", func() error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.do(ctx, "exists", func() error {
		v, err := c.rdb.Exists(ctx, key).Result()
		n = v
		return err
	})
	return n > 0, err
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.do(ctx, "expire", func() error {
		return c.rdb.Expire(ctx, key, ttl).Err()
	})
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := c.do(ctx, "ttl", func() error {
		v, err := c.rdb.TTL(ctx, key).Result()
		ttl = v
		return err
	})
	return ttl, err
}

// MGet returns values keyed by name; missing keys are absent from the map.
func (c *Client) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	err := c.do(ctx, "mget", func() error {
		values, err := c.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range values {
			if s, ok := v.(string); ok {
				out[keys[i]] = s
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MSet(ctx context.Context, pairs map[string]string) error {
	args := make([]interface{}, 0, len(pairs)*2)
	for k, v := range pairs {
		args = append(args, k, v)
	}
	return c.do(ctx, "mset", func() error {
		return c.rdb.MSet(ctx, args...).Err()
	})
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.do(ctx, "hset", func() error {
		return c.rdb.HSet(ctx, key, field, value).Err()
	})
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var value string
	found := false
	err := c.do(ctx, "hget", func() error {
		v, err := c.rdb.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, "hgetall", func() error {
		v, err := c.rdb.HGetAll(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.do(ctx, "hdel", func() error {
		return c.rdb.HDel(ctx, key, fields...).Err()
	})
}

func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	return c.do(ctx, "lpush", func() error {
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		return c.rdb.LPush(ctx, key, args...).Err()
	})
}

func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	return c.do(ctx, "rpush", func() error {
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		return c.rdb.RPush(ctx, key, args...).Err()
	})
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := c.do(ctx, "lrange", func() error {
		v, err := c.rdb.LRange(ctx, key, start, stop).Result()
		out = v
		return err
	})
	return out, err
}

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	return c.do(ctx, "sadd", func() error {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		return c.rdb.SAdd(ctx, key, args...).Err()
	})
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := c.do(ctx, "smembers", func() error {
		v, err := c.rdb.SMembers(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	return c.do(ctx, "srem", func() error {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		return c.rdb.SRem(ctx, key, args...).Err()
	})
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.do(ctx, "publish", func() error {
		return c.rdb.Publish(ctx, channel, message).Err()
	})
}

// Subscribe returns the raw pubsub; the caller owns its lifecycle.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

func (c *Client) GeoAdd(ctx context.Context, key, member string, loc core.Location) error {
	return c.do(ctx, "geoadd", func() error {
		return c.rdb.GeoAdd(ctx, key, &redis.GeoLocation{
			Name:      member,
			Longitude: loc.Lng,
			Latitude:  loc.Lat,
		}).Err()
	})
}

// GeoRadius returns member names within radiusKM of the center.
func (c *Client) GeoRadius(ctx context.Context, key string, center core.Location, radiusKM float64) ([]string, error) {
	var out []string
	err := c.do(ctx, "georadius", func() error {
		locs, err := c.rdb.GeoRadius(ctx, key, center.Lng, center.Lat, &redis.GeoRadiusQuery{
			Radius: radiusKM,
			Unit:   "km",
		}).Result()
		if err != nil {
			return err
		}
		out = out[:0]
		for _, l := range locs {
			out = append(out, l.Name)
		}
		return nil
	})
	return out, err
}

// DeletePattern removes all keys matching the glob pattern via SCAN. It is
// best-effort: writes never block on invalidation.
func (c *Client) DeletePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	err := c.do(ctx, "delete_pattern", func() error {
		iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) >= 100 {
				if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				deleted += len(batch)
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			deleted += len(batch)
		}
		return nil
	})
	return deleted, err
}

// Ping checks connectivity without the breaker, for health endpoints.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// BreakerState exposes the circuit state for observability.
func (c *Client) BreakerState() resilience.CircuitState {
	return c.breaker.State()
}

// Stats snapshots the operation counters.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis treats 0 as no expiry; negative values are invalid, clamp them.
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
