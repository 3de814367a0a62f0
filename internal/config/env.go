package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rshade/leaserun/internal/cache"
)

// Environment variables recognised by ApplyEnv.
const (
	EnvHome                  = "LEASERUN_HOME"
	EnvCeiling               = "LEASERUN_CEILING"
	EnvBatchSize             = "LEASERUN_BATCH_SIZE"
	EnvMemoryReleaseInterval = "LEASERUN_MEMORY_RELEASE_INTERVAL"
	EnvHaltOnFailure         = "LEASERUN_HALT_ON_FAILURE"
	EnvWorkers               = "LEASERUN_WORKERS"
	EnvStoreDriver           = "LEASERUN_STORE_DRIVER"
	EnvStoreDSN              = "LEASERUN_STORE_DSN"
	EnvLeaseTTL              = "LEASERUN_LEASE_TTL"
	EnvMaxAttempts           = "LEASERUN_MAX_ATTEMPTS"
	EnvCommand               = "LEASERUN_COMMAND"
	EnvCommandTimeout        = "LEASERUN_COMMAND_TIMEOUT"
	EnvCacheEnabled          = "LEASERUN_CACHE_ENABLED"
	EnvCacheDir              = "LEASERUN_CACHE_DIR"
	EnvCacheTTL              = "LEASERUN_CACHE_TTL"
	EnvLogLevel              = "LEASERUN_LOG_LEVEL"
	EnvLogFormat             = "LEASERUN_LOG_FORMAT"
	EnvLogFile               = "LEASERUN_LOG_FILE"
	EnvMetricsFile           = "LEASERUN_METRICS_FILE"
)

// ApplyEnv overrides fields from LEASERUN_* environment variables. Every
// malformed value is reported.
func (c *Config) ApplyEnv() error {
	var errs []error

	envInt(EnvCeiling, &c.Runner.Ceiling, &errs)
	envInt(EnvBatchSize, &c.Runner.BatchSize, &errs)
	envInt(EnvMemoryReleaseInterval, &c.Runner.MemoryReleaseInterval, &errs)
	envBool(EnvHaltOnFailure, &c.Runner.HaltOnFailure, &errs)
	envInt(EnvWorkers, &c.Runner.Workers, &errs)

	envString(EnvStoreDriver, &c.Store.Driver)
	envString(EnvStoreDSN, &c.Store.DSN)
	envDuration(EnvLeaseTTL, &c.Store.LeaseTTL, &errs)
	envInt(EnvMaxAttempts, &c.Store.MaxAttempts, &errs)

	envString(EnvCommand, &c.Executor.Command)
	envDuration(EnvCommandTimeout, &c.Executor.Timeout, &errs)

	envBool(EnvCacheEnabled, &c.Cache.Enabled, &errs)
	envString(EnvCacheDir, &c.Cache.Directory)
	envTTL(EnvCacheTTL, &c.Cache.TTLSeconds, &errs)

	envString(EnvLogLevel, &c.Logging.Level)
	envString(EnvLogFormat, &c.Logging.Format)
	envString(EnvLogFile, &c.Logging.File)
	envString(EnvMetricsFile, &c.Metrics.File)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func envBool(key string, dst *bool, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func envDuration(key string, dst *time.Duration, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

// envTTL accepts integer seconds or a Go duration such as "1h30m".
func envTTL(key string, dst *int, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	seconds, err := cache.ParseTTL(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = seconds
}
