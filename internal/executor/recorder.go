package executor

import (
	"context"
	"errors"

	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/logging"
	"github.com/rshade/leaserun/internal/runner"
)

// Outcomes persists job results.
type Outcomes interface {
	Complete(ctx context.Context, id lease.JobID) error
	Fail(ctx context.Context, id lease.JobID, reason string) error
}

// StoreRecorder is a listener that writes job outcomes to the queue.
type StoreRecorder struct {
	store Outcomes
}

// NewStoreRecorder creates a recorder over store.
func NewStoreRecorder(store Outcomes) *StoreRecorder {
	return &StoreRecorder{store: store}
}

// OnStart implements runner.Listener.
func (r *StoreRecorder) OnStart(context.Context, lease.JobID) {}

// OnComplete marks the job done.
func (r *StoreRecorder) OnComplete(ctx context.Context, id lease.JobID) {
	if err := r.store.Complete(ctx, id); err != nil {
		r.warn(ctx, id, err, "recording completion")
	}
}

// OnFail marks the job failed with err as the reason.
func (r *StoreRecorder) OnFail(ctx context.Context, id lease.JobID, err error) {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	if ferr := r.store.Fail(ctx, id, reason); ferr != nil {
		r.warn(ctx, id, ferr, "recording failure")
	}
}

func (r *StoreRecorder) warn(ctx context.Context, id lease.JobID, err error, msg string) {
	log := logging.ComponentLogger(*logging.FromContext(ctx), "recorder")
	ev := log.Warn()
	if errors.Is(err, lease.ErrJobNotFound) {
		ev = log.Debug()
	}
	ev.Err(err).Stringer("job_id", id).Msg(msg)
}

var _ runner.Listener = (*StoreRecorder)(nil)
