// Package executor runs jobs for the batch runner and fans their lifecycle
// signals out to subscribed listeners.
package executor

import (
	"context"
	"sync"

	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/runner"
)

// Handler does the work for a single job.
type Handler interface {
	Handle(ctx context.Context, id lease.JobID) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, id lease.JobID) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, id lease.JobID) error {
	return f(ctx, id)
}

type subscription struct {
	key      uint64
	listener runner.Listener
}

// Dispatcher implements runner.Executor over a Handler. Listeners receive
// signals in subscription order. It is safe for concurrent use by several
// runners.
type Dispatcher struct {
	handler Handler

	mu      sync.RWMutex
	subs    []subscription
	nextKey uint64
}

// NewDispatcher creates a Dispatcher that runs jobs with h.
func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{handler: h}
}

// Subscribe registers l and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (d *Dispatcher) Subscribe(l runner.Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.nextKey
	d.nextKey++
	d.subs = append(d.subs, subscription{key: key, listener: l})

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(key) })
	}
}

func (d *Dispatcher) unsubscribe(key uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.key == key {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

// Listeners returns the number of current subscribers.
func (d *Dispatcher) Listeners() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

func (d *Dispatcher) snapshot() []runner.Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]runner.Listener, len(d.subs))
	for i, s := range d.subs {
		out[i] = s.listener
	}
	return out
}

// Execute signals OnStart, runs the handler and signals OnComplete or OnFail.
// A panic in the handler propagates to the caller without a signal.
func (d *Dispatcher) Execute(ctx context.Context, id lease.JobID) error {
	for _, l := range d.snapshot() {
		l.OnStart(ctx, id)
	}

	if err := d.handler.Handle(ctx, id); err != nil {
		d.Fail(ctx, id, err)
		return err
	}

	for _, l := range d.snapshot() {
		l.OnComplete(ctx, id)
	}
	return nil
}

// Fail signals OnFail to every subscriber.
func (d *Dispatcher) Fail(ctx context.Context, id lease.JobID, err error) {
	for _, l := range d.snapshot() {
		l.OnFail(ctx, id, err)
	}
}

var _ runner.Executor = (*Dispatcher)(nil)
