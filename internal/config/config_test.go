package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "missiongov", cfg.Name)
	assert.Equal(t, 25, cfg.Governor.MaxSteps)
	assert.Equal(t, 10.0, cfg.Governor.MaxCost)
	assert.Equal(t, time.Hour, cfg.GetMaxRuntime())
	assert.Equal(t, "balanced", cfg.HITL.SafetyLevel)
	assert.Equal(t, 3, cfg.GetPersistAttempts())
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "missiongov.yaml")

	cfg := DefaultConfig()
	cfg.Governor.MaxSteps = 7
	cfg.HITL.SafetyLevel = "conservative"
	cfg.Resilience.Dependencies = map[string]DependencyConfig{
		"model-inference": {FailureThreshold: 2, RecoveryTimeout: "10s"},
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Governor.MaxSteps)
	assert.Equal(t, "conservative", loaded.HITL.SafetyLevel)
	assert.Equal(t, 2, loaded.GetFailureThreshold("model-inference"))
	assert.Equal(t, 10*time.Second, loaded.GetRecoveryTimeout("model-inference"))
}

func TestLoad_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("governor: [unterminated"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MISSIONGOV_DB", "/var/lib/missiongov/checkpoints.db")
	t.Setenv("MISSIONGOV_NATS_URL", "nats://events:4222")
	t.Setenv("MISSIONGOV_SAFETY_LEVEL", "MINIMAL")
	t.Setenv("MISSIONGOV_LOG_LEVEL", "DEBUG")

	cfg := DefaultConfig()
	cfg.Checkpoint.Backend = "memory"
	cfg.applyEnvOverrides()

	assert.Equal(t, "/var/lib/missiongov/checkpoints.db", cfg.Checkpoint.DatabasePath)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, "nats://events:4222", cfg.Events.NATSURL)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "minimal", cfg.HITL.SafetyLevel)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestResilienceGetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resilience.Dependencies = map[string]DependencyConfig{
		"tool-invocation": {CallTimeout: "2s", MaxAttempts: 1},
	}

	assert.Equal(t, 2*time.Second, cfg.GetCallTimeout("tool-invocation"))
	assert.Equal(t, 30*time.Second, cfg.GetCallTimeout("storage"))
	assert.Equal(t, 1, cfg.GetMaxAttempts("tool-invocation"))
	assert.Equal(t, 3, cfg.GetMaxAttempts("storage"))
	assert.Equal(t, 5, cfg.GetFailureThreshold("tool-invocation"))

	lo, hi := cfg.GetBackoffBounds()
	assert.Equal(t, 100*time.Millisecond, lo)
	assert.Equal(t, 5*time.Second, hi)

	cfg.Resilience.BackoffMax = "1ms"
	lo, hi = cfg.GetBackoffBounds()
	assert.Equal(t, lo, hi)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"negative steps", func(c *Config) { c.Governor.MaxSteps = -1 }, "max_steps"},
		{"bad runtime", func(c *Config) { c.Governor.MaxRuntime = "forever" }, "max_runtime"},
		{"bad timeout", func(c *Config) { c.Resilience.CallTimeout = "soon" }, "call_timeout"},
		{"bad safety level", func(c *Config) { c.HITL.SafetyLevel = "reckless" }, "safety level"},
		{"bad backend", func(c *Config) { c.Checkpoint.Backend = "redis" }, "backend"},
		{"sqlite without path", func(c *Config) { c.Checkpoint.DatabasePath = "" }, "database_path"},
		{"events without url", func(c *Config) {
			c.Events.Enabled = true
			c.Events.NATSURL = ""
		}, "nats_url"},
		{"bad dependency override", func(c *Config) {
			c.Resilience.Dependencies = map[string]DependencyConfig{"x": {RecoveryTimeout: "later"}}
		}, "dependencies.x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "missiongov.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	w.debounceDur = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	updated := DefaultConfig()
	updated.Governor.MaxSteps = 3
	require.NoError(t, updated.Save(path))

	select {
	case got := <-changes:
		assert.Equal(t, 3, got.Governor.MaxSteps)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not delivered")
	}
	assert.GreaterOrEqual(t, w.Reloads(), 1)
}

func TestWatcher_SkipsInvalidEdit(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "missiongov.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	w.debounceDur = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("hitl:\n  safety_level: reckless\n"), 0644))

	select {
	case <-changes:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 0, w.Reloads())
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"MISSIONGOV_DB", "MISSIONGOV_NATS_URL", "MISSIONGOV_SAFETY_LEVEL", "MISSIONGOV_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}
