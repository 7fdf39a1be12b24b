package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Sync.Workers)
	assert.Equal(t, 1.3, cfg.Routing.RoadFactor)
	assert.Equal(t, time.Hour, cfg.Routing.CacheTTL)
}

func TestLoadConfigFileAndEnvPriority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
logging:
  level: warn
sync:
  workers: 5
`), 0o644))

	// Environment wins over the file.
	t.Setenv("GASFLOW_SYNC_WORKERS", "7")
	t.Setenv("POSTGRES_REPLICAS", "db-r1:5432, db-r2:5432")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Sync.Workers)
	assert.Equal(t, []string{"db-r1:5432", "db-r2:5432"}, cfg.Database.Replicas)
}

func TestProductionForbidsDebugLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environment = "prod"
	cfg.CloudProjectID = "gasflow-prod"
	cfg.Logging.Level = "debug"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestProductionRequiresCloudProject(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environment = "prod"
	cfg.CloudProjectID = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingConfiguration)
}

func TestValidateRejectsBadDeliveryWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Business.DeliveryStartHour = 18
	cfg.Business.DeliveryEndHour = 8
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestDomainErrorClassification(t *testing.T) {
	err := NewDomainError("dispatch.CreateOrder", "validation", ErrInsufficientCredit)
	assert.True(t, IsValidation(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "dispatch.CreateOrder")

	timeout := NewDomainError("geo.DistanceMatrix", "transient", ErrTimeout)
	assert.True(t, IsTransient(timeout))
}
