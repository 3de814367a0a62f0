package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rshade/leaserun/internal/cache"
	"github.com/rshade/leaserun/internal/logging"
)

// Validate reports every invalid field, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Runner.Ceiling < 0 {
		add("runner.ceiling must be >= 0, got %d", c.Runner.Ceiling)
	}
	if c.Runner.BatchSize < 1 {
		add("runner.batch_size must be >= 1, got %d", c.Runner.BatchSize)
	}
	if c.Runner.MemoryReleaseInterval < 0 {
		add("runner.memory_release_interval must be >= 0, got %d", c.Runner.MemoryReleaseInterval)
	}
	if c.Runner.Workers < 1 {
		add("runner.workers must be >= 1, got %d", c.Runner.Workers)
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverSQLServer:
	default:
		add("store.driver must be %q or %q, got %q", DriverSQLite, DriverSQLServer, c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		add("store.dsn cannot be empty")
	}
	if c.Store.LeaseTTL <= 0 {
		add("store.lease_ttl must be positive, got %s", c.Store.LeaseTTL)
	}
	if c.Store.Retention <= 0 {
		add("store.retention must be positive, got %s", c.Store.Retention)
	}
	if c.Store.MaxAttempts < 1 {
		add("store.max_attempts must be >= 1, got %d", c.Store.MaxAttempts)
	}
	if c.Store.HistorySize < 1 {
		add("store.history_size must be >= 1, got %d", c.Store.HistorySize)
	}

	if c.Executor.Timeout < 0 {
		add("executor.timeout cannot be negative, got %s", c.Executor.Timeout)
	}

	if c.Cache.Enabled {
		if err := cache.ValidateTTL(c.Cache.TTLSeconds); err != nil {
			add("cache.ttl_seconds: %w", err)
		}
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil || c.Logging.Level == "" {
		add("logging.level %q is not a valid level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		add("logging.format must be %q or %q, got %q", logging.FormatConsole, logging.FormatJSON, c.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
