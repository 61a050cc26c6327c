package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sla-tracker", cfg.App.Name)
	assert.Equal(t, "@every 10m", cfg.Scheduler.Spec)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.InstanceTimeout)
	assert.Equal(t, LockLocal, cfg.Scheduler.Lock)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 720*time.Hour, cfg.Retention.Runs)
	assert.False(t, cfg.SMTP.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
scheduler:
  spec: "@every 1m"
  lock: redis
redis:
  addr: redis:6379
  lock_ttl: 5m
database:
  path: /var/lib/sla.db
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("SLA_HTTP_ADDR", ":9090")
	t.Setenv("SLA_RETRY_MAX_ATTEMPTS", "5")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "@every 1m", cfg.Scheduler.Spec)
	assert.Equal(t, LockRedis, cfg.Scheduler.Lock)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Redis.LockTTL)
	assert.Equal(t, "/var/lib/sla.db", cfg.Database.Path)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoadInvalid(t *testing.T) {
	t.Run("lock backend", func(t *testing.T) {
		t.Setenv("SLA_SCHEDULER_LOCK", "etcd")
		_, err := Load(t.TempDir())
		require.Error(t, err)
	})

	t.Run("smtp without host", func(t *testing.T) {
		t.Setenv("SLA_SMTP_ENABLED", "true")
		_, err := Load(t.TempDir())
		require.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("scheduler: [unclosed"), 0o644))
		_, err := Load(dir)
		require.Error(t, err)
	})
}
