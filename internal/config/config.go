// Package config loads leaserun configuration from YAML, applies
// environment overrides and validates the result.
//
// Precedence, lowest first: built-in defaults, ~/.leaserun/config.yaml (or
// the --config file), --config-overlay files merged section by section with
// ShallowMergeYAML, LEASERUN_* environment variables, then command-line flags
// applied by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rshade/leaserun/internal/cache"
	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/runner"
)

// Store drivers.
const (
	DriverSQLite    = "sqlite"
	DriverSQLServer = "sqlserver"
)

// Default values not owned by another package.
const (
	DefaultBatchSize = 100
	DefaultWorkers   = 1
	configFileName   = "config.yaml"
	queueFileName    = "queue.db"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete leaserun configuration.
type Config struct {
	Runner   RunnerConfig   `yaml:"runner"`
	Store    StoreConfig    `yaml:"store"`
	Executor ExecutorConfig `yaml:"executor"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RunnerConfig controls batch admission and execution.
type RunnerConfig struct {
	Ceiling               int  `yaml:"ceiling"`
	BatchSize             int  `yaml:"batch_size"`
	MemoryReleaseInterval int  `yaml:"memory_release_interval"`
	HaltOnFailure         bool `yaml:"halt_on_failure"`
	Workers               int  `yaml:"workers"`
}

// StoreConfig selects and tunes the job queue.
type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	Retention   time.Duration `yaml:"retention"`
	MaxAttempts int           `yaml:"max_attempts"`
	HistorySize int           `yaml:"history_size"`
}

// ExecutorConfig configures the command run for each job.
type ExecutorConfig struct {
	Command string        `yaml:"command"`
	Shell   string        `yaml:"shell"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig configures the ambient payload cache. When Directory is set,
// cached entries are flushed to files there on every memory release.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Directory  string `yaml:"directory"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig configures the Prometheus textfile written after each run.
type MetricsConfig struct {
	File string `yaml:"file"`
}

// New returns a Config holding the defaults.
func New() *Config {
	dsn := queueFileName
	if dir, err := Dir(); err == nil {
		dsn = filepath.Join(dir, queueFileName)
	}
	return &Config{
		Runner: RunnerConfig{
			Ceiling:               runner.DefaultCeiling,
			BatchSize:             DefaultBatchSize,
			MemoryReleaseInterval: runner.DefaultMemoryReleaseInterval,
			Workers:               DefaultWorkers,
		},
		Store: StoreConfig{
			Driver:      DriverSQLite,
			DSN:         dsn,
			LeaseTTL:    lease.DefaultLeaseTTL,
			Retention:   lease.DefaultRetention,
			MaxAttempts: lease.DefaultMaxAttempts,
			HistorySize: lease.DefaultHistorySize,
		},
		Executor: ExecutorConfig{
			Shell: "sh",
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: cache.DefaultTTLSeconds,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Dir returns the leaserun home directory: $LEASERUN_HOME or ~/.leaserun.
func Dir() (string, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(userHome, ".leaserun"), nil
}

// DefaultPath returns the path of the default config file.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Load reads the config file at path over the defaults, merges each overlay
// file in order with ShallowMergeYAML, applies environment overrides and
// validates the result. An empty path loads the default file, which may be
// absent; overlay files must exist.
func Load(path string, overlays ...string) (*Config, error) {
	cfg := New()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	for _, overlay := range overlays {
		if err := ShallowMergeYAML(cfg, overlay); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ExpandPaths replaces a leading "~/" in file paths with the user's home.
func (c *Config) ExpandPaths() {
	if c.Store.Driver == DriverSQLite {
		c.Store.DSN = expandHome(c.Store.DSN)
	}
	c.Cache.Directory = expandHome(c.Cache.Directory)
	c.Logging.File = expandHome(c.Logging.File)
	c.Metrics.File = expandHome(c.Metrics.File)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// LeaseOptions converts the store section to lease store options.
func (s StoreConfig) LeaseOptions() lease.Options {
	return lease.Options{
		LeaseTTL:    s.LeaseTTL,
		MaxAttempts: s.MaxAttempts,
		Retention:   s.Retention,
		HistorySize: s.HistorySize,
	}.WithDefaults()
}

// RunnerOptions converts the runner section to runner options for holder.
func (r RunnerConfig) RunnerOptions(holder string) runner.Options {
	return runner.Options{
		Holder:                holder,
		Ceiling:               r.Ceiling,
		MemoryReleaseInterval: r.MemoryReleaseInterval,
		HaltOnFailure:         r.HaltOnFailure,
	}
}
