package sqlite

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/logging"
)

// Clean runs the cleanup pass in one transaction:
//   - pending jobs under expired or revoked leases return to the queue
//   - unleased pending jobs that used up their attempts are marked failed
//   - finished jobs older than the retention window are purged
//   - dead lease rows are dropped
func (s *Store) Clean(ctx context.Context) error {
	log := logging.FromContext(ctx)
	now := s.opts.Now()
	nowMs := now.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: clean: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		name  string
		query string
		args  []any
	}{
		{
			name: "released",
			query: `UPDATE jobs SET lease_id = ''
				WHERE status = 'pending' AND lease_id <> '' AND lease_id NOT IN (` + activeLeases + `)`,
			args: []any{nowMs},
		},
		{
			name: "exhausted",
			query: `UPDATE jobs SET status = 'failed', last_error = 'attempts exhausted', finished_at = ?
				WHERE status = 'pending' AND lease_id = '' AND attempts >= ?`,
			args: []any{nowMs, s.opts.MaxAttempts},
		},
		{
			name:  "purged",
			query: `DELETE FROM jobs WHERE status <> 'pending' AND finished_at < ?`,
			args:  []any{now.Add(-s.opts.Retention).UnixMilli()},
		},
		{
			name:  "leases_dropped",
			query: `DELETE FROM leases WHERE revoked = 1 OR expires_at <= ?`,
			args:  []any{nowMs},
		},
	}

	counts := zerolog.Dict()
	for _, step := range steps {
		res, err := s.exec(ctx, tx, step.query, step.args...)
		if err != nil {
			return fmt.Errorf("sqlite: clean: %s: %w", step.name, err)
		}
		n, _ := res.RowsAffected()
		counts = counts.Int64(step.name, n)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: clean: commit: %w", err)
	}

	log.Debug().Ctx(ctx).Dict("cleanup", counts).Msg("queue cleanup finished")
	return nil
}

var _ lease.Cleaner = (*Store)(nil)
