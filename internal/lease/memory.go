package lease

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryJob struct {
	id         JobID
	queue      string
	payload    []byte
	status     Status
	leaseID    string
	attempts   int
	lastError  string
	createdAt  time.Time
	finishedAt time.Time
}

type memoryLease struct {
	holder    string
	expiresAt time.Time
	revoked   bool
}

// MemoryStore is an in-process Backend. It serves tests and single-process
// runs that do not need durability.
type MemoryStore struct {
	mu      sync.Mutex
	opts    Options
	nextID  JobID
	jobs    map[JobID]*memoryJob
	leases  map[string]*memoryLease
	history *History
}

// NewMemoryStore creates an empty in-memory queue.
func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.WithDefaults()
	return &MemoryStore{
		opts:    opts,
		jobs:    make(map[JobID]*memoryJob),
		leases:  make(map[string]*memoryLease),
		history: NewHistory(opts.HistorySize),
	}
}

// History exposes the statement history.
func (s *MemoryStore) History() *History {
	return s.history
}

// ResetHistory clears the statement history.
func (s *MemoryStore) ResetHistory() {
	s.history.ResetHistory()
}

// Enqueue adds a pending job.
func (s *MemoryStore) Enqueue(_ context.Context, queue string, payload []byte) (JobID, error) {
	if queue == "" {
		queue = DefaultQueue
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Record("enqueue " + queue)

	s.nextID++
	s.jobs[s.nextID] = &memoryJob{
		id:        s.nextID,
		queue:     queue,
		payload:   append([]byte(nil), payload...),
		status:    StatusPending,
		createdAt: s.opts.Now(),
	}
	return s.nextID, nil
}

// Payload returns the payload of a job.
func (s *MemoryStore) Payload(_ context.Context, id JobID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Record("payload " + id.String())

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return append([]byte(nil), job.payload...), nil
}

// activeLocked reports whether leaseID is unexpired and not revoked.
func (s *MemoryStore) activeLocked(leaseID string, now time.Time) bool {
	l, ok := s.leases[leaseID]
	return ok && !l.revoked && now.Before(l.expiresAt)
}

// CountOutstanding counts active leases covering at least one pending job.
func (s *MemoryStore) CountOutstanding(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Record("count outstanding")

	return s.countOutstandingLocked(s.opts.Now()), nil
}

func (s *MemoryStore) countOutstandingLocked(now time.Time) int {
	seen := make(map[string]struct{})
	for _, job := range s.jobs {
		if job.status != StatusPending || job.leaseID == "" {
			continue
		}
		if s.activeLocked(job.leaseID, now) {
			seen[job.leaseID] = struct{}{}
		}
	}
	return len(seen)
}

// Stake leases up to maxJobs unleased pending jobs in id order.
func (s *MemoryStore) Stake(_ context.Context, holder string, maxJobs int) (Lease, error) {
	if holder == "" {
		return Lease{}, ErrInvalidHolder
	}
	if maxJobs < 1 {
		return Lease{}, ErrInvalidMaxJobs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Record("stake " + holder)

	now := s.opts.Now()
	l := Lease{
		ID:        NewLeaseID(),
		Holder:    holder,
		StakedAt:  now,
		ExpiresAt: now.Add(s.opts.LeaseTTL),
	}

	for _, job := range s.sortedLocked() {
		if len(l.JobIDs) >= maxJobs {
			break
		}
		if job.status != StatusPending || (job.leaseID != "" && s.activeLocked(job.leaseID, now)) {
			continue
		}
		job.leaseID = l.ID
		job.attempts++
		l.JobIDs = append(l.JobIDs, job.id)
	}

	if len(l.JobIDs) > 0 {
		s.leases[l.ID] = &memoryLease{holder: holder, expiresAt: l.ExpiresAt}
	}
	return l, nil
}

// JobsCovered returns the pending jobs leaseID still covers.
func (s *MemoryStore) JobsCovered(_ context.Context, leaseID string) (map[JobID]struct{}, error) {
	if leaseID == "" {
		return nil, ErrInvalidLeaseID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Record("jobs covered " + leaseID)

	covered := make(map[JobID]struct{})
	if !s.activeLocked(leaseID, s.opts.Now()) {
		return covered, nil
	}
	for _, job := range s.jobs {
		if job.leaseID == leaseID && job.status == StatusPending {
			covered[job.id] = struct{}{}
		}
	}
	return covered, nil
}

// Complete marks a job done.
func (s *MemoryStore) Complete(_ context.Context, id JobID) error {
	return s.finish(id, StatusDone, "")
}

// Fail marks a job failed with the given reason.
func (s *MemoryStore) Fail(_ context.Context, id JobID, reason string) error {
	return s.finish(id, StatusFailed, reason)
}

func (s *MemoryStore) finish(id JobID, status Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Record(fmt.Sprintf("finish %s %s", id, status))

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job.status = status
	job.lastError = reason
	job.finishedAt = s.opts.Now()
	return nil
}

// Revoke invalidates a lease. Jobs it covered become stakeable again.
func (s *MemoryStore) Revoke(_ context.Context, leaseID string) error {
	if leaseID == "" {
		return ErrInvalidLeaseID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Record("revoke " + leaseID)

	if l, ok := s.leases[leaseID]; ok {
		l.revoked = true
	}
	for _, job := range s.jobs {
		if job.leaseID == leaseID && job.status == StatusPending {
			job.leaseID = ""
		}
	}
	return nil
}

// Clean releases expired leases, fails jobs that exhausted their attempts and
// purges finished jobs past retention.
func (s *MemoryStore) Clean(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Record("clean")

	now := s.opts.Now()
	for id, job := range s.jobs {
		if job.status == StatusPending && job.leaseID != "" && !s.activeLocked(job.leaseID, now) {
			job.leaseID = ""
		}
		if job.status == StatusPending && job.leaseID == "" && job.attempts >= s.opts.MaxAttempts {
			job.status = StatusFailed
			job.lastError = "attempts exhausted"
			job.finishedAt = now
		}
		if job.status != StatusPending && now.Sub(job.finishedAt) > s.opts.Retention {
			delete(s.jobs, id)
		}
	}
	for id, l := range s.leases {
		if l.revoked || !now.Before(l.expiresAt) {
			delete(s.leases, id)
		}
	}
	return nil
}

// Stats summarizes the queue.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Record("stats")

	now := s.opts.Now()
	var st Stats
	for _, job := range s.jobs {
		switch job.status {
		case StatusPending:
			if job.leaseID != "" && s.activeLocked(job.leaseID, now) {
				st.Leased++
			} else {
				st.Pending++
			}
		case StatusDone:
			st.Done++
		case StatusFailed:
			st.Failed++
		}
	}
	st.OutstandingLeases = s.countOutstandingLocked(now)
	return st, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) sortedLocked() []*memoryJob {
	out := make([]*memoryJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
