package runner

import (
	"context"

	"github.com/rshade/leaserun/internal/lease"
)

// Listener receives job lifecycle signals from an Executor.
type Listener interface {
	OnStart(ctx context.Context, id lease.JobID)
	OnComplete(ctx context.Context, id lease.JobID)
	OnFail(ctx context.Context, id lease.JobID, err error)
}

// Executor runs a single job and broadcasts its lifecycle to subscribers.
type Executor interface {
	// Execute runs the job identified by id. A non-nil error means the job
	// failed; implementations signal OnFail before returning it.
	Execute(ctx context.Context, id lease.JobID) error

	// Subscribe registers l for lifecycle signals and returns a function
	// that removes it again.
	Subscribe(l Listener) (unsubscribe func())

	// Fail broadcasts OnFail for a failure raised outside the executor's
	// own handling, such as a recovered panic.
	Fail(ctx context.Context, id lease.JobID, err error)
}

// Guard wraps the execution of one job and converts a panic into an error.
type Guard func(ctx context.Context, id lease.JobID, fn func() error) error

// FailureMonitor is attached to a staked lease for the duration of a run.
type FailureMonitor interface {
	Attach(l lease.Lease) Guard
}

// Reporter displays per-job progress for a run.
type Reporter interface {
	Start(total int)
	Tick()
	Finish()
}

// AmbientCache is the shared cache cleared during memory release.
type AmbientCache interface {
	Clear(ctx context.Context) error
}

// Flusher is implemented by caches with writes to push out before clearing.
type Flusher interface {
	Flush(ctx context.Context) error
}

// HistoryResetter drops accumulated statement history.
type HistoryResetter interface {
	ResetHistory()
}

// NopCache is an AmbientCache that holds nothing.
type NopCache struct{}

// Clear does nothing.
func (NopCache) Clear(context.Context) error { return nil }

// NopReporter discards progress.
type NopReporter struct{}

// Start does nothing.
func (NopReporter) Start(int) {}

// Tick does nothing.
func (NopReporter) Tick() {}

// Finish does nothing.
func (NopReporter) Finish() {}

type passthroughMonitor struct{}

func (passthroughMonitor) Attach(lease.Lease) Guard {
	return func(_ context.Context, _ lease.JobID, fn func() error) error {
		return fn()
	}
}
