package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/logging"
)

// DefaultMemoryReleaseInterval is the number of processed jobs between memory releases.
const DefaultMemoryReleaseInterval = 50

// Options configures a Runner.
type Options struct {
	// Holder identifies this runner on the leases it stakes.
	Holder string

	// Ceiling is the maximum number of outstanding leases before admission
	// is blocked. Values below 1 disable the guard.
	Ceiling int

	// MemoryReleaseInterval triggers ReleaseMemory every N processed jobs.
	// Zero disables the periodic release.
	MemoryReleaseInterval int

	// HaltOnFailure stops the run at the first failed job.
	HaltOnFailure bool
}

// DefaultOptions returns the default runner options.
func DefaultOptions() Options {
	return Options{
		Holder:                DefaultHolder(),
		Ceiling:               DefaultCeiling,
		MemoryReleaseInterval: DefaultMemoryReleaseInterval,
	}
}

// DefaultHolder returns host-pid, falling back to "leaserun" for the host.
func DefaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "leaserun"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// runState is the lifetime of one staked batch.
type runState struct {
	lease       lease.Lease
	members     map[lease.JobID]struct{}
	guard       Guard
	unsubscribe func()

	// guarded by Runner.mu
	current       lease.JobID
	currentFailed bool
	failed        int
	lastErr       error
}

// Runner stakes and drains one batch at a time. A Runner is not safe for
// concurrent Setup/Run calls; run several Runners for parallelism.
type Runner struct {
	store   lease.Store
	exec    Executor
	opts    Options
	cleaner lease.Cleaner
	monitor FailureMonitor
	cache   AmbientCache
	history []HistoryResetter
	report  Reporter
	metrics *Metrics

	mu    sync.Mutex
	state *runState
}

// New creates a Runner over store and exec.
func New(store lease.Store, exec Executor, opts Options) *Runner {
	if opts.Holder == "" {
		opts.Holder = DefaultHolder()
	}
	if opts.MemoryReleaseInterval < 0 {
		opts.MemoryReleaseInterval = 0
	}
	return &Runner{
		store:   store,
		exec:    exec,
		opts:    opts,
		cleaner: lease.CleanerFunc(func(context.Context) error { return nil }),
		monitor: passthroughMonitor{},
		cache:   NopCache{},
		report:  NopReporter{},
		metrics: NewMetrics(nil),
	}
}

// WithCleaner sets the cleanup pass run at the start of Setup.
func (r *Runner) WithCleaner(c lease.Cleaner) *Runner {
	if c != nil {
		r.cleaner = c
	}
	return r
}

// WithMonitor sets the failure monitor attached to each staked lease.
func (r *Runner) WithMonitor(m FailureMonitor) *Runner {
	if m != nil {
		r.monitor = m
	}
	return r
}

// WithCache sets the ambient cache cleared during memory release.
func (r *Runner) WithCache(c AmbientCache) *Runner {
	if c != nil {
		r.cache = c
	}
	return r
}

// WithHistory adds history buffers reset during memory release.
func (r *Runner) WithHistory(h ...HistoryResetter) *Runner {
	for _, hr := range h {
		if hr != nil {
			r.history = append(r.history, hr)
		}
	}
	return r
}

// WithReporter sets the progress reporter.
func (r *Runner) WithReporter(rep Reporter) *Runner {
	if rep != nil {
		r.report = rep
	}
	return r
}

// WithMetrics sets the metrics collectors.
func (r *Runner) WithMetrics(m *Metrics) *Runner {
	if m != nil {
		r.metrics = m
	}
	return r
}

// Holder returns the lease holder name.
func (r *Runner) Holder() string {
	return r.opts.Holder
}

func (r *Runner) logger(ctx context.Context) zerolog.Logger {
	return logging.ComponentLogger(*logging.FromContext(ctx), "runner").
		With().Str("holder", r.opts.Holder).Logger()
}

// Setup runs the cleanup pass, subscribes to the executor, checks admission
// and stakes a lease over up to batchSize jobs. It returns the batch length;
// zero means there was nothing to do and Run must not be called.
func (r *Runner) Setup(ctx context.Context, batchSize int, force bool) (int, error) {
	if batchSize < 1 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}

	r.mu.Lock()
	busy := r.state != nil
	r.mu.Unlock()
	if busy {
		return 0, ErrAlreadySetUp
	}

	log := r.logger(ctx)

	if err := r.cleaner.Clean(ctx); err != nil {
		return 0, fmt.Errorf("cleanup pass: %w", err)
	}

	unsubscribe := r.exec.Subscribe(r)
	staked := false
	defer func() {
		if !staked {
			unsubscribe()
		}
	}()

	outstanding, err := r.store.CountOutstanding(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting outstanding leases: %w", err)
	}

	admission := Admit(outstanding, r.opts.Ceiling, force)
	r.metrics.Admissions.WithLabelValues(admission.String()).Inc()
	if !admission.Allowed() {
		log.Warn().
			Int("outstanding", outstanding).
			Int("ceiling", r.opts.Ceiling).
			Msg("admission blocked")
		return 0, &AdmissionError{Outstanding: outstanding, Ceiling: r.opts.Ceiling}
	}
	if admission == ProceedForced {
		log.Warn().
			Int("outstanding", outstanding).
			Int("ceiling", r.opts.Ceiling).
			Msg("ceiling reached, forcing run")
	}

	l, err := r.store.Stake(ctx, r.opts.Holder, batchSize)
	if err != nil {
		return 0, fmt.Errorf("staking lease: %w", err)
	}
	if l.Len() == 0 {
		log.Info().Msg("no pending jobs")
		return 0, nil
	}

	members := make(map[lease.JobID]struct{}, l.Len())
	for _, id := range l.JobIDs {
		members[id] = struct{}{}
	}
	st := &runState{
		lease:       l,
		members:     members,
		guard:       r.monitor.Attach(l),
		unsubscribe: unsubscribe,
	}

	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
	staked = true
	r.metrics.LeasesStaked.Inc()

	log.Info().
		Str("lease_id", l.ID).
		Int("jobs", l.Len()).
		Time("expires_at", l.ExpiresAt).
		Msg("lease staked")
	return l.Len(), nil
}

// Run executes the staked batch in order and returns the number of jobs
// processed. The lease is re-read before every job; if it no longer covers
// the job Run stops with a *LeaseLostError.
func (r *Runner) Run(ctx context.Context) (int, error) {
	r.mu.Lock()
	st := r.state
	r.mu.Unlock()
	if st == nil {
		return 0, ErrNotSetUp
	}
	defer r.release(st)

	ctx = logging.FromContext(ctx).With().Str("lease_id", st.lease.ID).Logger().WithContext(ctx)
	log := r.logger(ctx)

	r.report.Start(st.lease.Len())
	defer r.report.Finish()

	processed := 0
	for _, id := range st.lease.JobIDs {
		if err := ctx.Err(); err != nil {
			return processed, fmt.Errorf("run interrupted after %d jobs: %w", processed, err)
		}

		covered, err := r.store.JobsCovered(ctx, st.lease.ID)
		if err != nil {
			return processed, fmt.Errorf("checking lease %s: %w", st.lease.ID, err)
		}
		if _, ok := covered[id]; !ok {
			r.metrics.LeasesLost.Inc()
			log.Error().
				Stringer("job_id", id).
				Int("processed", processed).
				Msg("claim lost")
			return processed, &LeaseLostError{LeaseID: st.lease.ID, JobID: id, Processed: processed}
		}

		failed, jobErr := r.execute(ctx, st, id)
		processed++
		r.metrics.JobsProcessed.Inc()
		r.report.Tick()

		if r.opts.MemoryReleaseInterval > 0 && processed%r.opts.MemoryReleaseInterval == 0 {
			if err := r.ReleaseMemory(ctx, 0); err != nil {
				log.Warn().Err(err).Int("processed", processed).Msg("memory release failed")
			}
		}

		if failed && r.opts.HaltOnFailure {
			return processed, &JobFailedError{JobID: id, Err: jobErr}
		}
	}

	r.metrics.LastSuccess.SetToCurrentTime()
	log.Info().
		Int("processed", processed).
		Int("failed", r.failedCount(st)).
		Msg("batch complete")
	return processed, nil
}

// execute runs one job under the monitor guard. It reports whether the job
// failed and makes sure exactly one failure signal was broadcast for it.
func (r *Runner) execute(ctx context.Context, st *runState, id lease.JobID) (bool, error) {
	r.mu.Lock()
	st.current = id
	st.currentFailed = false
	st.lastErr = nil
	r.mu.Unlock()

	err := st.guard(ctx, id, func() error {
		return r.exec.Execute(ctx, id)
	})

	r.mu.Lock()
	signalled := st.currentFailed
	r.mu.Unlock()

	if err != nil && !signalled {
		r.exec.Fail(ctx, id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	failed := st.currentFailed || err != nil
	if err == nil {
		err = st.lastErr
	}
	st.current = 0
	return failed, err
}

func (r *Runner) failedCount(st *runState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return st.failed
}

// release drops the run state and the executor subscription.
func (r *Runner) release(st *runState) {
	st.unsubscribe()
	r.mu.Lock()
	if r.state == st {
		r.state = nil
	}
	r.mu.Unlock()
}

// batchJob reports whether id belongs to the current batch.
func (r *Runner) batchJob(id lease.JobID) (*runState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil, false
	}
	if _, ok := r.state.members[id]; !ok {
		return nil, false
	}
	return r.state, true
}

// OnStart implements Listener.
func (r *Runner) OnStart(ctx context.Context, id lease.JobID) {
	if _, ok := r.batchJob(id); !ok {
		return
	}
	log := r.logger(ctx)
	log.Debug().Stringer("job_id", id).Msg("job started")
}

// OnComplete implements Listener.
func (r *Runner) OnComplete(ctx context.Context, id lease.JobID) {
	if _, ok := r.batchJob(id); !ok {
		return
	}
	log := r.logger(ctx)
	log.Debug().Stringer("job_id", id).Msg("job complete")
}

// OnFail implements Listener.
func (r *Runner) OnFail(ctx context.Context, id lease.JobID, err error) {
	st, ok := r.batchJob(id)
	if !ok {
		return
	}

	r.mu.Lock()
	st.failed++
	if st.current == id {
		st.currentFailed = true
		st.lastErr = err
	}
	r.mu.Unlock()

	r.metrics.JobsFailed.Inc()
	log := r.logger(ctx)
	log.Error().Err(err).Stringer("job_id", id).Msg("job failed")
}

// ReleaseMemory waits for sleep, then resets statement history and clears
// the ambient cache. A cache implementing Flusher is flushed first so that
// pending writes reach its backing store. The cache is cleared even when the
// flush fails; both errors are returned.
func (r *Runner) ReleaseMemory(ctx context.Context, sleep time.Duration) error {
	if sleep > 0 {
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for _, h := range r.history {
		h.ResetHistory()
	}

	var flushErr, clearErr error
	if f, ok := r.cache.(Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			flushErr = fmt.Errorf("flushing ambient cache: %w", err)
		}
	}
	// Clear even when the flush failed, or undelivered entries pile up.
	if err := r.cache.Clear(ctx); err != nil {
		clearErr = fmt.Errorf("clearing ambient cache: %w", err)
	}

	r.metrics.MemoryReleases.Inc()
	log := r.logger(ctx)
	log.Debug().Int("history_buffers", len(r.history)).Msg("memory released")
	return errors.Join(flushErr, clearErr)
}
