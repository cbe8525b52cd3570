package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
store_id: "store-001"
central_store: "central"
security:
  secret_key: "test"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "store-001", cfg.StoreID)
	assert.Equal(t, "sqlite", cfg.StateStorage.Type)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Sync.GetApplyTimeout())
	assert.Equal(t, "central_priority", cfg.Sync.DefaultPolicy)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.GetProcessInterval())
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.GetCacheInterval())
	assert.Equal(t, 24*time.Hour, cfg.Security.GetTokenLifetime())
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
store_id: "store-002"
central_store: "central"
state_storage:
  type: "mysql"
  host: "db.internal"
  port: 3306
  user: "sync"
  password: "pw"
  database: "store_sync"
sync:
  max_attempts: 2
  default_policy: "manual"
security:
  secret_key: "test"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.StateStorage.Type)
	assert.Equal(t, "db.internal", cfg.StateStorage.Host)
	assert.Equal(t, 2, cfg.Sync.MaxAttempts)
	assert.Equal(t, "manual", cfg.Sync.DefaultPolicy)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	// Missing secret key.
	path := writeConfig(t, `
store_id: "store-001"
central_store: "central"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)

	// Bad storage type.
	path = writeConfig(t, `
store_id: "store-001"
central_store: "central"
state_storage:
  type: "oracle"
security:
  secret_key: "test"
`)
	_, err = LoadConfig(path)
	assert.Error(t, err)

	// Bad conflict policy.
	path = writeConfig(t, `
store_id: "store-001"
central_store: "central"
sync:
  default_policy: "coin_flip"
security:
  secret_key: "test"
`)
	_, err = LoadConfig(path)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDurationFallbacks(t *testing.T) {
	s := SyncConfig{ApplyTimeout: "not-a-duration"}
	assert.Equal(t, 10*time.Second, s.GetApplyTimeout())

	sched := SchedulerConfig{ProcessInterval: "-5s"}
	assert.Equal(t, 10*time.Second, sched.GetProcessInterval())
}
