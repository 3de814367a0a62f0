package progress

import (
	"github.com/rs/zerolog"

	"github.com/rshade/leaserun/internal/runner"
)

// defaultLogSteps is how many progress lines a LogReporter writes per run.
const defaultLogSteps = 10

// LogReporter writes progress as log lines, for non-interactive output.
type LogReporter struct {
	logger  zerolog.Logger
	tracker *Tracker
	steps   int
	every   int
}

// NewLogReporter creates a reporter logging to logger.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger, tracker: NewTracker(0), steps: defaultLogSteps, every: 1}
}

// Tracker exposes the underlying counts.
func (r *LogReporter) Tracker() *Tracker {
	return r.tracker
}

// Start implements runner.Reporter.
func (r *LogReporter) Start(total int) {
	r.tracker.Reset(total)
	r.every = max(1, total/r.steps)
	r.logger.Info().Int("total", total).Msg("batch started")
}

// Tick implements runner.Reporter.
func (r *LogReporter) Tick() {
	r.tracker.Add(1)
	s := r.tracker.Snapshot()
	if s.Processed%r.every != 0 || s.Processed >= s.Total {
		return
	}
	r.logger.Info().
		Int("processed", s.Processed).
		Int("total", s.Total).
		Float64("percent", s.PercentComplete).
		Dur("eta", s.Remaining).
		Msg("batch progress")
}

// Finish implements runner.Reporter.
func (r *LogReporter) Finish() {
	s := r.tracker.Snapshot()
	r.logger.Info().
		Int("processed", s.Processed).
		Int("total", s.Total).
		Dur("elapsed", s.Elapsed).
		Float64("jobs_per_second", s.JobsPerSecond).
		Msg("batch finished")
}

var _ runner.Reporter = (*LogReporter)(nil)
