package runner

import (
	"errors"
	"fmt"

	"github.com/rshade/leaserun/internal/lease"
)

// Runner errors.
var (
	ErrAdmissionBlocked = errors.New("too many outstanding leases")
	ErrLeaseLost        = errors.New("claim lost")
	ErrJobFailed        = errors.New("job failed")
	ErrInvalidBatchSize = errors.New("batch size must be at least 1")
	ErrNotSetUp         = errors.New("runner has no staked batch")
	ErrAlreadySetUp     = errors.New("runner already holds a staked batch")
)

// AdmissionError reports that the concurrency ceiling blocked a batch.
type AdmissionError struct {
	Outstanding int
	Ceiling     int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%d leases outstanding, ceiling is %d: use force to run anyway", e.Outstanding, e.Ceiling)
}

// Unwrap returns ErrAdmissionBlocked.
func (e *AdmissionError) Unwrap() error {
	return ErrAdmissionBlocked
}

// LeaseLostError reports that the lease stopped covering the next job.
type LeaseLostError struct {
	LeaseID   string
	JobID     lease.JobID
	Processed int
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("claim lost: lease %s no longer covers job %s after %d processed",
		e.LeaseID, e.JobID, e.Processed)
}

// Unwrap returns ErrLeaseLost.
func (e *LeaseLostError) Unwrap() error {
	return ErrLeaseLost
}

// JobFailedError stops a run when halt-on-failure is enabled.
type JobFailedError struct {
	JobID lease.JobID
	Err   error
}

func (e *JobFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("job %s failed", e.JobID)
	}
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

// Is matches ErrJobFailed.
func (e *JobFailedError) Is(target error) bool {
	return target == ErrJobFailed
}

// Unwrap returns the underlying job error.
func (e *JobFailedError) Unwrap() error {
	return e.Err
}
