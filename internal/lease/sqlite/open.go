// Package sqlite implements the durable lease queue on an embedded SQLite
// database. Staking runs in an IMMEDIATE transaction so concurrent runners,
// in one process or several, never receive overlapping batches.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rshade/leaserun/internal/lease"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// defaultBusyTimeout is how long a writer waits on a locked database, in milliseconds.
const defaultBusyTimeout = 5000

// Store is a lease.Backend persisted in SQLite.
type Store struct {
	db      *sql.DB
	opts    lease.Options
	history *lease.History
}

var _ lease.Backend = (*Store)(nil)

// Open opens (creating if needed) the queue database at path and migrates
// the schema. The database uses WAL mode, a 5 s busy timeout and a single
// connection.
func Open(path string, opts lease.Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", withTxLock(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.TODO()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	opts = opts.WithDefaults()
	return &Store{db: db, opts: opts, history: lease.NewHistory(opts.HistorySize)}, nil
}

// withTxLock makes every BEGIN an IMMEDIATE transaction so the write lock is
// taken before staking reads pending rows.
func withTxLock(path string) string {
	if strings.Contains(path, "_txlock=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// History exposes the statement history.
func (s *Store) History() *lease.History {
	return s.history
}

// ResetHistory clears the statement history.
func (s *Store) ResetHistory() {
	s.history.ResetHistory()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
