package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/muco1999/xray-agent/internal/config"
)

func TestNewDefaults(t *testing.T) {
	cfg := config.New()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "redis://127.0.0.1:6379/0", cfg.Redis.URL)
	assert.Equal(t, "vless-in", cfg.Xray.InboundTag)
	assert.Equal(t, 90, cfg.Job.IdempotencyTTLSec)
	assert.Equal(t, 50, cfg.Capacity.Limit)
}

func TestLoadClampsIdempotencyTTL(t *testing.T) {
	t.Setenv("JOB_IDEMPOTENCY_TTL_SEC", "5")
	t.Setenv("CONFIG_FILE", "/nonexistent/path/for/test.yaml")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, 60, cfg.Job.IdempotencyTTLSec)
}

func TestLoadClampsIdempotencyTTLUpper(t *testing.T) {
	t.Setenv("JOB_IDEMPOTENCY_TTL_SEC", "999")
	t.Setenv("CONFIG_FILE", "/nonexistent/path/for/test.yaml")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, 120, cfg.Job.IdempotencyTTLSec)
}

func TestLoadClampsRestoreConcurrency(t *testing.T) {
	t.Setenv("RESTORE_DEFAULT_CONCURRENCY", "0")
	t.Setenv("CONFIG_FILE", "/nonexistent/path/for/test.yaml")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, 1, cfg.Restore.DefaultConcurrency)
}
