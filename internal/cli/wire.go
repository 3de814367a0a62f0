package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rshade/leaserun/internal/cache"
	"github.com/rshade/leaserun/internal/config"
	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/lease/mssql"
	"github.com/rshade/leaserun/internal/lease/sqlite"
)

// ErrUnknownDriver is returned for a store driver with no backend.
var ErrUnknownDriver = errors.New("unknown store driver")

// openStore opens the backend selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (lease.Backend, error) {
	opts := cfg.LeaseOptions()
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.Open(cfg.DSN, opts)
	case config.DriverSQLServer:
		return mssql.Open(ctx, cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// withStore opens the configured store, passes it to fn and closes it.
func (a *app) withStore(ctx context.Context, fn func(lease.Backend) error) (err error) {
	store, err := a.openStore(ctx, a.cfg.Store)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", a.cfg.Store.Driver, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing store: %w", cerr)
		}
	}()
	return fn(store)
}

// newCache builds the ambient payload cache, or nil when caching is off.
func newCache(cfg config.CacheConfig) (*cache.Memory, error) {
	if !cfg.Enabled {
		return nil, nil //nolint:nilnil // a nil cache means caching is disabled
	}
	opts := cache.MemoryOptions{TTLSeconds: cfg.TTLSeconds}
	if cfg.Directory != "" {
		backing, err := cache.NewFileStore(cfg.Directory, cfg.TTLSeconds)
		if err != nil {
			return nil, fmt.Errorf("opening cache directory: %w", err)
		}
		if n, err := backing.CleanupExpired(); err != nil {
			logger.Warn().Err(err).Str("directory", backing.Directory()).Msg("cache cleanup failed")
		} else if n > 0 {
			logger.Debug().Int("removed", n).Str("directory", backing.Directory()).Msg("expired cache entries removed")
		}
		opts.Backing = backing
	}
	return cache.NewMemory(opts), nil
}
