// Package monitor contains the failure monitor attached to a staked lease.
//
// A panic raised while one job runs is recovered and surfaced as that job's
// *FatalError so the rest of the batch keeps going.
package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/logging"
	"github.com/rshade/leaserun/internal/runner"
)

// FatalError is a recovered panic from a single job.
type FatalError struct {
	LeaseID string
	JobID   lease.JobID
	Value   any
	Stack   []byte
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("job %s under lease %s panicked: %v", e.JobID, e.LeaseID, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *FatalError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Monitor recovers job panics. It counts recoveries across all leases it
// was attached to.
type Monitor struct {
	recovered atomic.Int64
}

// New creates a Monitor.
func New() *Monitor {
	return &Monitor{}
}

// Recovered returns the number of panics recovered so far.
func (m *Monitor) Recovered() int64 {
	return m.recovered.Load()
}

// Attach implements runner.FailureMonitor.
func (m *Monitor) Attach(l lease.Lease) runner.Guard {
	leaseID := l.ID
	return func(ctx context.Context, id lease.JobID, fn func() error) (err error) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			m.recovered.Add(1)
			fatal := &FatalError{LeaseID: leaseID, JobID: id, Value: v, Stack: debug.Stack()}
			log := logging.ComponentLogger(*logging.FromContext(ctx), "monitor")
			log.Error().
				Str("lease_id", leaseID).
				Stringer("job_id", id).
				Interface("panic", v).
				Bytes("stack", fatal.Stack).
				Msg("job panicked")
			err = fatal
		}()
		return fn()
	}
}

var _ runner.FailureMonitor = (*Monitor)(nil)
