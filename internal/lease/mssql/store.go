// Package mssql implements the durable lease queue on SQL Server.
//
// Staking claims rows with UPDLOCK/READPAST so concurrent runners skip rows
// another transaction is claiming instead of blocking on them.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver registration

	"github.com/rshade/leaserun/internal/lease"
)

// DriverName is the database/sql driver name registered by go-mssqldb.
const DriverName = "sqlserver"

// schemaStatements create the queue tables when they are missing.
var schemaStatements = []string{
	`IF OBJECT_ID(N'dbo.leaserun_jobs', N'U') IS NULL
	CREATE TABLE dbo.leaserun_jobs (
		id          BIGINT IDENTITY(1,1) PRIMARY KEY,
		queue       NVARCHAR(200)  NOT NULL DEFAULT 'default',
		payload     VARBINARY(MAX) NOT NULL,
		status      VARCHAR(16)    NOT NULL DEFAULT 'pending',
		lease_id    VARCHAR(32)    NOT NULL DEFAULT '',
		attempts    INT            NOT NULL DEFAULT 0,
		last_error  NVARCHAR(MAX)  NOT NULL DEFAULT '',
		created_at  BIGINT         NOT NULL,
		finished_at BIGINT         NOT NULL DEFAULT 0
	)`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_leaserun_jobs_status_lease')
	CREATE INDEX idx_leaserun_jobs_status_lease ON dbo.leaserun_jobs(status, lease_id)`,
	`IF OBJECT_ID(N'dbo.leaserun_leases', N'U') IS NULL
	CREATE TABLE dbo.leaserun_leases (
		id         VARCHAR(32)   PRIMARY KEY,
		holder     NVARCHAR(200) NOT NULL,
		staked_at  BIGINT        NOT NULL,
		expires_at BIGINT        NOT NULL,
		revoked    BIT           NOT NULL DEFAULT 0
	)`,
}

// activeLeases selects unexpired, unrevoked lease ids; the placeholder is
// substituted per statement because go-mssqldb uses numbered parameters.
const activeLeases = `SELECT id FROM dbo.leaserun_leases WHERE revoked = 0 AND expires_at > %s`

// Store is a lease.Backend persisted in SQL Server.
type Store struct {
	db      *sql.DB
	opts    lease.Options
	history *lease.History
}

var _ lease.Backend = (*Store)(nil)

// Open connects to SQL Server with dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string, opts lease.Options) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("mssql: dsn cannot be empty")
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mssql: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	opts = opts.WithDefaults()
	return &Store{db: db, opts: opts, history: lease.NewHistory(opts.HistorySize)}, nil
}

func active(param string) string {
	return fmt.Sprintf(activeLeases, param)
}

func (s *Store) record(query string) {
	s.history.Record(strings.Join(strings.Fields(query), " "))
}

func (s *Store) nowMillis() int64 {
	return s.opts.Now().UnixMilli()
}

// History exposes the statement history.
func (s *Store) History() *lease.History {
	return s.history
}

// ResetHistory clears the statement history.
func (s *Store) ResetHistory() {
	s.history.ResetHistory()
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue inserts a pending job.
func (s *Store) Enqueue(ctx context.Context, queue string, payload []byte) (lease.JobID, error) {
	if queue == "" {
		queue = lease.DefaultQueue
	}
	if payload == nil {
		payload = []byte{}
	}

	const q = `INSERT INTO dbo.leaserun_jobs (queue, payload, created_at)
		OUTPUT inserted.id
		VALUES (@p1, @p2, @p3)`
	s.record(q)

	var id int64
	if err := s.db.QueryRowContext(ctx, q, queue, payload, s.nowMillis()).Scan(&id); err != nil {
		return 0, fmt.Errorf("mssql: enqueue: %w", err)
	}
	return lease.JobID(id), nil
}

// Payload returns the payload of a job.
func (s *Store) Payload(ctx context.Context, id lease.JobID) ([]byte, error) {
	const q = `SELECT payload FROM dbo.leaserun_jobs WHERE id = @p1`
	s.record(q)

	var payload []byte
	if err := s.db.QueryRowContext(ctx, q, int64(id)).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", lease.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("mssql: payload %s: %w", id, err)
	}
	return payload, nil
}

// CountOutstanding counts active leases covering at least one pending job.
func (s *Store) CountOutstanding(ctx context.Context) (int, error) {
	q := `SELECT COUNT(DISTINCT lease_id) FROM dbo.leaserun_jobs
		WHERE status = 'pending' AND lease_id IN (` + active("@p1") + `)`
	s.record(q)

	var n int
	if err := s.db.QueryRowContext(ctx, q, s.nowMillis()).Scan(&n); err != nil {
		return 0, fmt.Errorf("mssql: count outstanding: %w", err)
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
		return lease.Lease{}, fmt.Errorf("mssql: stake: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertLease = `INSERT INTO dbo.leaserun_leases (id, holder, staked_at, expires_at)
		VALUES (@p1, @p2, @p3, @p4)`
	s.record(insertLease)
	if _, err := tx.ExecContext(ctx, insertLease, l.ID, holder, now.UnixMilli(), l.ExpiresAt.UnixMilli()); err != nil {
		return lease.Lease{}, fmt.Errorf("mssql: stake: insert lease: %w", err)
	}

	claim := `WITH batch AS (
			SELECT TOP (@p3) id, lease_id, attempts
			FROM dbo.leaserun_jobs WITH (UPDLOCK, READPAST, ROWLOCK)
			WHERE status = 'pending'
			  AND (lease_id = '' OR lease_id NOT IN (` + active("@p2") + `))
			ORDER BY id
		)
		UPDATE batch SET lease_id = @p1, attempts = attempts + 1
		OUTPUT inserted.id`
	s.record(claim)
	rows, err := tx.QueryContext(ctx, claim, l.ID, now.UnixMilli(), maxJobs)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("mssql: stake: claim jobs: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return lease.Lease{}, fmt.Errorf("mssql: stake: scan: %w", err)
		}
		l.JobIDs = append(l.JobIDs, lease.JobID(id))
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return lease.Lease{}, fmt.Errorf("mssql: stake: claim jobs: %w", err)
	}
	_ = rows.Close()

	// OUTPUT order is not guaranteed.
	slices.Sort(l.JobIDs)

	if len(l.JobIDs) == 0 {
		const dropLease = `DELETE FROM dbo.leaserun_leases WHERE id = @p1`
		s.record(dropLease)
		if _, err := tx.ExecContext(ctx, dropLease, l.ID); err != nil {
			return lease.Lease{}, fmt.Errorf("mssql: stake: drop empty lease: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return lease.Lease{}, fmt.Errorf("mssql: stake: commit: %w", err)
	}
	return l, nil
}

// JobsCovered returns the pending jobs leaseID still covers.
func (s *Store) JobsCovered(ctx context.Context, leaseID string) (map[lease.JobID]struct{}, error) {
	if leaseID == "" {
		return nil, lease.ErrInvalidLeaseID
	}

	q := `SELECT id FROM dbo.leaserun_jobs
		WHERE lease_id = @p1 AND status = 'pending' AND lease_id IN (` + active("@p2") + `)`
	s.record(q)

	rows, err := s.db.QueryContext(ctx, q, leaseID, s.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("mssql: jobs covered by %s: %w", leaseID, err)
	}
	defer func() { _ = rows.Close() }()

	covered := make(map[lease.JobID]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("mssql: jobs covered by %s: %w", leaseID, err)
		}
		covered[lease.JobID(id)] = struct{}{}
	}
	return covered, rows.Err()
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
	const q = `UPDATE dbo.leaserun_jobs SET status = @p1, last_error = @p2, finished_at = @p3 WHERE id = @p4`
	s.record(q)

	res, err := s.db.ExecContext(ctx, q, string(status), reason, s.nowMillis(), int64(id))
	if err != nil {
		return fmt.Errorf("mssql: mark %s %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mssql: mark %s %s: %w", id, status, err)
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

	const q = `UPDATE dbo.leaserun_leases SET revoked = 1 WHERE id = @p1;
		UPDATE dbo.leaserun_jobs SET lease_id = '' WHERE lease_id = @p1 AND status = 'pending';`
	s.record(q)
	if _, err := s.db.ExecContext(ctx, q, leaseID); err != nil {
		return fmt.Errorf("mssql: revoke %s: %w", leaseID, err)
	}
	return nil
}

// Clean releases expired leases, fails exhausted jobs, purges old finished
// jobs and drops dead lease rows in a single batch.
func (s *Store) Clean(ctx context.Context) error {
	q := `UPDATE dbo.leaserun_jobs SET lease_id = ''
			WHERE status = 'pending' AND lease_id <> '' AND lease_id NOT IN (` + active("@p1") + `);
		UPDATE dbo.leaserun_jobs SET status = 'failed', last_error = 'attempts exhausted', finished_at = @p1
			WHERE status = 'pending' AND lease_id = '' AND attempts >= @p2;
		DELETE FROM dbo.leaserun_jobs WHERE status <> 'pending' AND finished_at < @p3;
		DELETE FROM dbo.leaserun_leases WHERE revoked = 1 OR expires_at <= @p1;`
	s.record(q)

	now := s.opts.Now()
	if _, err := s.db.ExecContext(ctx, q,
		now.UnixMilli(), s.opts.MaxAttempts, now.Add(-s.opts.Retention).UnixMilli(),
	); err != nil {
		return fmt.Errorf("mssql: clean: %w", err)
	}
	return nil
}

// Stats summarizes the queue.
func (s *Store) Stats(ctx context.Context) (lease.Stats, error) {
	q := `SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' AND lease_id NOT IN (` + active("@p1") + `) THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'pending' AND lease_id IN (` + active("@p1") + `) THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM dbo.leaserun_jobs`
	s.record(q)

	var st lease.Stats
	if err := s.db.QueryRowContext(ctx, q, s.nowMillis()).Scan(&st.Pending, &st.Leased, &st.Done, &st.Failed); err != nil {
		return lease.Stats{}, fmt.Errorf("mssql: stats: %w", err)
	}

	n, err := s.CountOutstanding(ctx)
	if err != nil {
		return lease.Stats{}, err
	}
	st.OutstandingLeases = n
	return st, nil
}
