package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/leaserun/internal/cache"
	"github.com/rshade/leaserun/internal/config"
	"github.com/rshade/leaserun/internal/logging"
)

func TestNew_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)

	cfg := config.New()
	assert.Equal(t, 5, cfg.Runner.Ceiling)
	assert.Equal(t, 100, cfg.Runner.BatchSize)
	assert.Equal(t, 50, cfg.Runner.MemoryReleaseInterval)
	assert.False(t, cfg.Runner.HaltOnFailure)
	assert.Equal(t, 1, cfg.Runner.Workers)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, filepath.Join(home, "queue.db"), cfg.Store.DSN)
	assert.Equal(t, 15*time.Minute, cfg.Store.LeaseTTL)
	assert.Equal(t, 168*time.Hour, cfg.Store.Retention)
	assert.Equal(t, 3, cfg.Store.MaxAttempts)
	assert.Equal(t, 200, cfg.Store.HistorySize)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 3600, cfg.Cache.TTLSeconds)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("missing default file uses defaults", func(t *testing.T) {
		t.Setenv(config.EnvHome, t.TempDir())
		cfg, err := config.Load("")
		require.NoError(t, err)
		assert.Equal(t, 100, cfg.Runner.BatchSize)
	})

	t.Run("missing explicit file fails", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
runner:
  ceiling: 2
  halt_on_failure: true
store:
  lease_ttl: 90s
executor:
  command: ./process.sh
  timeout: 30s
`), 0o600))

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Runner.Ceiling)
		assert.True(t, cfg.Runner.HaltOnFailure)
		assert.Equal(t, 100, cfg.Runner.BatchSize, "absent keys keep defaults")
		assert.Equal(t, 90*time.Second, cfg.Store.LeaseTTL)
		assert.Equal(t, 3, cfg.Store.MaxAttempts)
		assert.Equal(t, "./process.sh", cfg.Executor.Command)
		assert.Equal(t, 30*time.Second, cfg.Executor.Timeout)
	})

	t.Run("default file in home", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv(config.EnvHome, home)
		require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("runner:\n  workers: 4\n"), 0o600))
		cfg, err := config.Load("")
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Runner.Workers)
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("runner:\n  batch_size: 0\n"), 0o600))
		_, err := config.Load(path)
		require.ErrorIs(t, err, config.ErrInvalidConfig)
		assert.Contains(t, err.Error(), "runner.batch_size")
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(config.EnvCeiling, "8")
	t.Setenv(config.EnvBatchSize, "250")
	t.Setenv(config.EnvHaltOnFailure, "true")
	t.Setenv(config.EnvStoreDriver, config.DriverSQLServer)
	t.Setenv(config.EnvStoreDSN, "sqlserver://localhost?database=jobs")
	t.Setenv(config.EnvLeaseTTL, "2m")
	t.Setenv(config.EnvCommand, "echo hi")
	t.Setenv(config.EnvCacheEnabled, "false")
	t.Setenv(config.EnvCacheTTL, "2h")
	t.Setenv(config.EnvLogLevel, "debug")
	t.Setenv(config.EnvMetricsFile, "/tmp/leaserun.prom")

	cfg := config.New()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 8, cfg.Runner.Ceiling)
	assert.Equal(t, 250, cfg.Runner.BatchSize)
	assert.True(t, cfg.Runner.HaltOnFailure)
	assert.Equal(t, config.DriverSQLServer, cfg.Store.Driver)
	assert.Equal(t, "sqlserver://localhost?database=jobs", cfg.Store.DSN)
	assert.Equal(t, 2*time.Minute, cfg.Store.LeaseTTL)
	assert.Equal(t, "echo hi", cfg.Executor.Command)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 7200, cfg.Cache.TTLSeconds)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/leaserun.prom", cfg.Metrics.File)
}

func TestApplyEnv_Malformed(t *testing.T) {
	t.Setenv(config.EnvCeiling, "five")
	t.Setenv(config.EnvLeaseTTL, "forever")
	t.Setenv(config.EnvCacheEnabled, "maybe")

	cfg := config.New()
	err := cfg.ApplyEnv()
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), config.EnvCeiling)
	assert.Contains(t, err.Error(), config.EnvLeaseTTL)
	assert.Contains(t, err.Error(), config.EnvCacheEnabled)
	assert.Equal(t, 5, cfg.Runner.Ceiling)
}

func TestApplyEnv_CacheTTL(t *testing.T) {
	tests := []struct {
		value   string
		want    int
		wantErr error
	}{
		{"900", 900, nil},
		{"1h30m", 5400, nil},
		{"10s", 0, cache.ErrInvalidTTL},
		{"fortnight", 0, config.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(config.EnvCacheTTL, tt.value)
			cfg := config.New()
			err := cfg.ApplyEnv()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), config.EnvCacheTTL)
				assert.Equal(t, cache.DefaultTTLSeconds, cfg.Cache.TTLSeconds)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Cache.TTLSeconds)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"negative ceiling", func(c *config.Config) { c.Runner.Ceiling = -1 }, "runner.ceiling"},
		{"zero workers", func(c *config.Config) { c.Runner.Workers = 0 }, "runner.workers"},
		{"negative release interval", func(c *config.Config) { c.Runner.MemoryReleaseInterval = -1 }, "runner.memory_release_interval"},
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"empty dsn", func(c *config.Config) { c.Store.DSN = " " }, "store.dsn"},
		{"zero lease ttl", func(c *config.Config) { c.Store.LeaseTTL = 0 }, "store.lease_ttl"},
		{"zero attempts", func(c *config.Config) { c.Store.MaxAttempts = 0 }, "store.max_attempts"},
		{"negative timeout", func(c *config.Config) { c.Executor.Timeout = -time.Second }, "executor.timeout"},
		{"short cache ttl", func(c *config.Config) { c.Cache.TTLSeconds = 5 }, "cache.ttl_seconds"},
		{"bad level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, config.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("zero ceiling disables guard", func(t *testing.T) {
		cfg := config.New()
		cfg.Runner.Ceiling = 0
		require.NoError(t, cfg.Validate())
	})

	t.Run("disabled cache skips ttl", func(t *testing.T) {
		cfg := config.New()
		cfg.Cache.Enabled = false
		cfg.Cache.TTLSeconds = 0
		require.NoError(t, cfg.Validate())
	})
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := config.New()
	cfg.Runner.Ceiling = 3
	cfg.Executor.Command = "true"
	require.NoError(t, cfg.Save(path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Runner.Ceiling)
	assert.Equal(t, "true", loaded.Executor.Command)
	assert.Equal(t, cfg.Store.LeaseTTL, loaded.Store.LeaseTTL)
}

func TestExpandPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := config.New()
	cfg.Store.DSN = "~/jobs/queue.db"
	cfg.Cache.Directory = "~/cache"
	cfg.Metrics.File = "/var/lib/node_exporter/leaserun.prom"
	cfg.ExpandPaths()

	assert.Equal(t, filepath.Join(home, "jobs", "queue.db"), cfg.Store.DSN)
	assert.Equal(t, filepath.Join(home, "cache"), cfg.Cache.Directory)
	assert.Equal(t, "/var/lib/node_exporter/leaserun.prom", cfg.Metrics.File)
}

func TestConversions(t *testing.T) {
	cfg := config.New()
	cfg.Logging.File = "/tmp/leaserun.log"

	lc := cfg.Logging.ToLoggingConfig()
	assert.Equal(t, logging.OutputFile, lc.Output)
	assert.Equal(t, "/tmp/leaserun.log", lc.File)

	cfg.Logging.File = ""
	assert.Equal(t, logging.OutputStderr, cfg.Logging.ToLoggingConfig().Output)

	opts := cfg.Store.LeaseOptions()
	assert.Equal(t, cfg.Store.LeaseTTL, opts.LeaseTTL)
	assert.NotNil(t, opts.Now)

	ro := cfg.Runner.RunnerOptions("host-1")
	assert.Equal(t, "host-1", ro.Holder)
	assert.Equal(t, cfg.Runner.Ceiling, ro.Ceiling)
}

func TestEnsureLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs", "deep")
	lc := config.LoggingConfig{File: filepath.Join(dir, "leaserun.log")}
	require.NoError(t, lc.EnsureLogDir())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
