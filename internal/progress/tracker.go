// Package progress reports per-job progress of a batch run, either as a
// terminal progress bar or as periodic log lines.
package progress

import (
	"sync"
	"time"
)

// percentMultiplier is used to convert a ratio to percentage (0-100).
const percentMultiplier = 100

// Tracker counts processed jobs against a total.
// It is safe for concurrent use.
type Tracker struct {
	total     int
	processed int
	started   time.Time
	updated   time.Time
	now       func() time.Time

	mu sync.RWMutex
}

// NewTracker creates a tracker for total jobs starting now.
func NewTracker(total int) *Tracker {
	t := &Tracker{now: time.Now}
	t.Reset(total)
	return t
}

// Reset restarts the tracker with a new total.
func (t *Tracker) Reset(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.total = total
	t.processed = 0
	t.started = now
	t.updated = now
}

// Add records n more processed jobs.
func (t *Tracker) Add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed += n
	t.updated = t.now()
}

// IsComplete returns true once every job has been processed.
func (t *Tracker) IsComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.processed >= t.total
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	elapsed := now.Sub(t.started)
	s := Snapshot{
		Total:     t.total,
		Processed: t.processed,
		StartTime: t.started,
		Updated:   t.updated,
		Elapsed:   elapsed,
	}
	if t.total > 0 {
		s.Ratio = float64(t.processed) / float64(t.total)
		if s.Ratio > 1 {
			s.Ratio = 1
		}
		s.PercentComplete = s.Ratio * percentMultiplier
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.JobsPerSecond = float64(t.processed) / secs
	}
	if t.processed > 0 && t.processed < t.total {
		perJob := elapsed / time.Duration(t.processed)
		s.Remaining = perJob * time.Duration(t.total-t.processed)
	}
	return s
}

// Snapshot is an immutable view of a Tracker.
type Snapshot struct {
	Total           int
	Processed       int
	StartTime       time.Time
	Updated         time.Time
	Elapsed         time.Duration
	Remaining       time.Duration
	Ratio           float64
	PercentComplete float64
	JobsPerSecond   float64
}
