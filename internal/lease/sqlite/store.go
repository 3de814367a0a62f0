package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rshade/leaserun/internal/lease"
)

// activeLeases selects the ids of unexpired, unrevoked leases. The single
// parameter is the current time in unix milliseconds.
const activeLeases = `SELECT id FROM leases WHERE revoked = 0 AND expires_at > ?`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) record(query string) {
	s.history.Record(strings.Join(strings.Fields(query), " "))
}

func (s *Store) exec(ctx context.Context, e execer, query string, args ...any) (sql.Result, error) {
	s.record(query)
	return e.ExecContext(ctx, query, args...)
}

func (s *Store) queryIDs(ctx context.Context, e execer, query string, args ...any) ([]lease.JobID, error) {
	s.record(query)
	rows, err := e.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []lease.JobID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, lease.JobID(id))
	}
	return ids, rows.Err()
}

func (s *Store) nowMillis() int64 {
	return s.opts.Now().UnixMilli()
}

// Enqueue inserts a pending job.
func (s *Store) Enqueue(ctx context.Context, queue string, payload []byte) (lease.JobID, error) {
	if queue == "" {
		queue = lease.DefaultQueue
	}
	if payload == nil {
		payload = []byte{}
	}

	res, err := s.exec(ctx, s.db,
		`INSERT INTO jobs (queue, payload, created_at) VALUES (?, ?, ?)`,
		queue, payload, s.nowMillis(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: enqueue: %w", err)
	}
	return lease.JobID(id), nil
}

// Payload returns the payload of a job.
func (s *Store) Payload(ctx context.Context, id lease.JobID) ([]byte, error) {
	const q = `SELECT payload FROM jobs WHERE id = ?`
	s.record(q)

	var payload []byte
	if err := s.db.QueryRowContext(ctx, q, int64(id)).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", lease.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("sqlite: payload %s: %w", id, err)
	}
	return payload, nil
}

// CountOutstanding counts active leases covering at least one pending job.
func (s *Store) CountOutstanding(ctx context.Context) (int, error) {
	q := `SELECT COUNT(DISTINCT lease_id) FROM jobs
		WHERE status = 'pending' AND lease_id IN (` + activeLeases + `)`
	s.record(q)

	var n int
	if err := s.db.QueryRowContext(ctx, q, s.nowMillis()).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count outstanding: %w", err)
	}
	return n, nil
}

// Stake leases up to maxJobs pending jobs not covered by an active lease.
func (s *Store) Stake(ctx context.Context, holder string, maxJobs int) (lease.Lease, error) {
	if holder == "" {
		return lease.Lease{}, lease.ErrInvalidHolder
	}
	if maxJobs < 1 {
		return lease.Lease{}, lease.ErrInvalidMaxJobs
	}

	now := s.opts.Now()
	l := lease.Lease{
		ID:        lease.NewLeaseID(),
		Holder:    holder,
		StakedAt:  now,
		ExpiresAt: now.Add(s.opts.LeaseTTL),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("sqlite: stake: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.exec(ctx, tx,
		`INSERT INTO leases (id, holder, staked_at, expires_at) VALUES (?, ?, ?, ?)`,
		l.ID, holder, now.UnixMilli(), l.ExpiresAt.UnixMilli(),
	); err != nil {
		return lease.Lease{}, fmt.Errorf("sqlite: stake: insert lease: %w", err)
	}

	if _, err := s.exec(ctx, tx,
		`UPDATE jobs SET lease_id = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (lease_id = '' OR lease_id NOT IN (`+activeLeases+`))
			ORDER BY id
			LIMIT ?
		)`,
		l.ID, now.UnixMilli(), maxJobs,
	); err != nil {
		return lease.Lease{}, fmt.Errorf("sqlite: stake: claim jobs: %w", err)
	}

	ids, err := s.queryIDs(ctx, tx, `SELECT id FROM jobs WHERE lease_id = ? ORDER BY id`, l.ID)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("sqlite: stake: read batch: %w", err)
	}
	l.JobIDs = ids

	if len(ids) == 0 {
		if _, err := s.exec(ctx, tx, `DELETE FROM leases WHERE id = ?`, l.ID); err != nil {
			return lease.Lease{}, fmt.Errorf("sqlite: stake: drop empty lease: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return lease.Lease{}, fmt.Errorf("sqlite: stake: commit: %w", err)
	}
	return l, nil
}

// JobsCovered returns the pending jobs leaseID still covers.
func (s *Store) JobsCovered(ctx context.Context, leaseID string) (map[lease.JobID]struct{}, error) {
	if leaseID == "" {
		return nil, lease.ErrInvalidLeaseID
	}

	ids, err := s.queryIDs(ctx, s.db,
		`SELECT id FROM jobs
		WHERE lease_id = ? AND status = 'pending' AND lease_id IN (`+activeLeases+`)`,
		leaseID, s.nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: jobs covered by %s: %w", leaseID, err)
	}

	covered := make(map[lease.JobID]struct{}, len(ids))
	for _, id := range ids {
		covered[id] = struct{}{}
	}
	return covered, nil
}

// Complete marks a job done.
func (s *Store) Complete(ctx context.Context, id lease.JobID) error {
	return s.finish(ctx, id, lease.StatusDone, "")
}

// Fail marks a job failed with the given reason.
func (s *Store) Fail(ctx context.Context, id lease.JobID, reason string) error {
	return s.finish(ctx, id, lease.StatusFailed, reason)
}

func (s *Store) finish(ctx context.Context, id lease.JobID, status lease.Status, reason string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, last_error = ?, finished_at = ? WHERE id = ?`,
		string(status), reason, s.nowMillis(), int64(id),
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark %s %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: mark %s %s: %w", id, status, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", lease.ErrJobNotFound, id)
	}
	return nil
}

// Revoke invalidates a lease and returns its pending jobs to the queue.
func (s *Store) Revoke(ctx context.Context, leaseID string) error {
	if leaseID == "" {
		return lease.ErrInvalidLeaseID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: revoke: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.exec(ctx, tx, `UPDATE leases SET revoked = 1 WHERE id = ?`, leaseID); err != nil {
		return fmt.Errorf("sqlite: revoke %s: %w", leaseID, err)
	}
	if _, err := s.exec(ctx, tx,
		`UPDATE jobs SET lease_id = '' WHERE lease_id = ? AND status = 'pending'`, leaseID,
	); err != nil {
		return fmt.Errorf("sqlite: revoke %s: release jobs: %w", leaseID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: revoke %s: commit: %w", leaseID, err)
	}
	return nil
}

// Stats summarizes the queue.
func (s *Store) Stats(ctx context.Context) (lease.Stats, error) {
	q := `SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' AND lease_id NOT IN (` + activeLeases + `) THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'pending' AND lease_id IN (` + activeLeases + `) THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM jobs`
	s.record(q)

	now := s.nowMillis()
	var st lease.Stats
	if err := s.db.QueryRowContext(ctx, q, now, now).Scan(&st.Pending, &st.Leased, &st.Done, &st.Failed); err != nil {
		return lease.Stats{}, fmt.Errorf("sqlite: stats: %w", err)
	}

	n, err := s.CountOutstanding(ctx)
	if err != nil {
		return lease.Stats{}, err
	}
	st.OutstandingLeases = n
	return st, nil
}
