// Package lease defines the durable job queue contract the batch runner
// consumes: staking a lease over pending jobs, querying which jobs a lease
// still covers, counting outstanding leases, and the cleanup pass.
//
// Mutual exclusion between runners is the store's job. A job is covered by
// at most one active lease at a time; runners only ever re-read a lease.
package lease

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// Default store configuration.
const (
	// DefaultLeaseTTL is how long a staked lease stays active.
	DefaultLeaseTTL = 15 * time.Minute

	// DefaultMaxAttempts is the number of stakes a job gets before cleanup marks it failed.
	DefaultMaxAttempts = 3

	// DefaultRetention is how long finished jobs are kept before cleanup purges them.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultHistorySize is the number of statements kept in a store's history.
	DefaultHistorySize = 200

	// DefaultQueue is the queue name used when none is given.
	DefaultQueue = "default"
)

// Common store errors.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidMaxJobs = errors.New("max jobs must be at least 1")
	ErrInvalidHolder  = errors.New("lease holder cannot be empty")
	ErrInvalidLeaseID = errors.New("lease id cannot be empty")
)

// JobID is an opaque handle to a durable job record.
type JobID int64

// String formats the id in base 10.
func (id JobID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseJobID parses a base-10 job id.
func ParseJobID(s string) (JobID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return JobID(n), nil
}

// Status is the lifecycle state of a job record.
type Status string

const (
	// StatusPending jobs are waiting to be staked or are covered by a lease.
	StatusPending Status = "pending"
	// StatusDone jobs completed successfully.
	StatusDone Status = "done"
	// StatusFailed jobs failed or exhausted their attempts.
	StatusFailed Status = "failed"
)

// Lease is a time-bounded exclusive right to process a set of jobs.
type Lease struct {
	ID        string
	Holder    string
	JobIDs    []JobID
	StakedAt  time.Time
	ExpiresAt time.Time
}

// Len returns the number of jobs the lease was staked over.
func (l Lease) Len() int {
	return len(l.JobIDs)
}

// NewLeaseID returns a new lexically sortable lease identifier.
func NewLeaseID() string {
	return ulid.Make().String()
}

// Store is the part of the queue the batch runner depends on.
type Store interface {
	// CountOutstanding returns the number of active leases that still cover pending jobs.
	CountOutstanding(ctx context.Context) (int, error)

	// Stake leases up to maxJobs pending jobs to holder.
	Stake(ctx context.Context, holder string, maxJobs int) (Lease, error)

	// JobsCovered returns the pending jobs leaseID still covers. An expired or
	// revoked lease covers nothing.
	JobsCovered(ctx context.Context, leaseID string) (map[JobID]struct{}, error)
}

// Cleaner removes stale state from the queue before a batch is staked.
type Cleaner interface {
	Clean(ctx context.Context) error
}

// CleanerFunc adapts a function to Cleaner.
type CleanerFunc func(ctx context.Context) error

// Clean calls f.
func (f CleanerFunc) Clean(ctx context.Context) error {
	return f(ctx)
}

// Stats summarizes the queue.
type Stats struct {
	Pending           int
	Leased            int
	Done              int
	Failed            int
	OutstandingLeases int
}

// Backend is a complete queue implementation: the runner-facing Store, the
// cleanup pass, and the operations the CLI and executor need.
type Backend interface {
	Store
	Cleaner

	Enqueue(ctx context.Context, queue string, payload []byte) (JobID, error)
	Payload(ctx context.Context, id JobID) ([]byte, error)
	Complete(ctx context.Context, id JobID) error
	Fail(ctx context.Context, id JobID, reason string) error
	Revoke(ctx context.Context, leaseID string) error
	Stats(ctx context.Context) (Stats, error)
	ResetHistory()
	Close() error
}

// Options configures store behavior shared by all backends.
type Options struct {
	LeaseTTL    time.Duration
	MaxAttempts int
	Retention   time.Duration
	HistorySize int

	// Now returns the current time. Tests override it.
	Now func() time.Time
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		LeaseTTL:    DefaultLeaseTTL,
		MaxAttempts: DefaultMaxAttempts,
		Retention:   DefaultRetention,
		HistorySize: DefaultHistorySize,
		Now:         time.Now,
	}
}

// WithDefaults fills zero fields with defaults.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = d.LeaseTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.HistorySize <= 0 {
		o.HistorySize = d.HistorySize
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}
