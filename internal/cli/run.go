package cli

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rshade/leaserun/internal/executor"
	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/logging"
	"github.com/rshade/leaserun/internal/monitor"
	"github.com/rshade/leaserun/internal/progress"
	"github.com/rshade/leaserun/internal/runner"
)

// ErrNoCommand is returned by run when no executor command is configured.
var ErrNoCommand = errors.New("no command configured: set executor.command or pass --command")

// runParams holds the run flags after config defaults are applied.
type runParams struct {
	batchSize   int
	workers     int
	force       bool
	noProgress  bool
	metricsFile string
}

func newRunCmd(a *app) *cobra.Command {
	var (
		params        runParams
		ceiling       int
		command       string
		haltOnFailure bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Lease a batch of jobs and run them",
		Long: `Runs the cleanup pass, checks the concurrency ceiling, stakes a lease over up
to --batch-size pending jobs and runs the command once per job. The lease is
re-checked before every job; if it expired or was revoked the run stops.`,
		Example: `  leaserun run --command ./process.sh
  leaserun run --batch-size 500 --workers 4 --metrics-file /var/lib/node_exporter/leaserun.prom
  leaserun run --force --halt-on-failure`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			rc := &a.cfg.Runner
			if flags.Changed("batch-size") {
				rc.BatchSize = params.batchSize
			}
			if flags.Changed("workers") {
				rc.Workers = params.workers
			}
			if flags.Changed("ceiling") {
				rc.Ceiling = ceiling
			}
			if flags.Changed("halt-on-failure") {
				rc.HaltOnFailure = haltOnFailure
			}
			if flags.Changed("command") {
				a.cfg.Executor.Command = command
			}
			if flags.Changed("metrics-file") {
				a.cfg.Metrics.File = params.metricsFile
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			params.batchSize = rc.BatchSize
			params.workers = rc.Workers
			params.metricsFile = a.cfg.Metrics.File
			return a.run(cmd, params)
		},
	}

	f := cmd.Flags()
	f.IntVar(&params.batchSize, "batch-size", 0, "maximum jobs to lease per worker (default from config)")
	f.IntVar(&params.workers, "workers", 0, "number of runners leasing in parallel (default from config)")
	f.IntVar(&ceiling, "ceiling", 0, "maximum outstanding leases before admission is blocked, 0 disables")
	f.BoolVar(&params.force, "force", false, "stake a lease even when the ceiling is reached")
	f.StringVar(&command, "command", "", "shell command run for each job")
	f.BoolVar(&haltOnFailure, "halt-on-failure", false, "stop at the first failed job")
	f.BoolVar(&params.noProgress, "no-progress", false, "log progress instead of drawing a progress bar")
	f.StringVar(&params.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the run")

	return cmd
}

// runSummary is the aggregate outcome of all workers.
type runSummary struct {
	Workers   int
	Staked    int
	Processed int
	Completed int64
	Failed    int64
	Recovered int64
	Elapsed   time.Duration
}

// outcomeTally counts terminal job signals across all workers.
type outcomeTally struct {
	completed atomic.Int64
	failed    atomic.Int64
}

func (t *outcomeTally) OnStart(context.Context, lease.JobID) {}

func (t *outcomeTally) OnComplete(context.Context, lease.JobID) { t.completed.Add(1) }

func (t *outcomeTally) OnFail(context.Context, lease.JobID, error) { t.failed.Add(1) }

// workerResult is what one runner reports back to the group.
type workerResult struct {
	staked    int
	processed int
	err       error
}

func (a *app) run(cmd *cobra.Command, params runParams) error {
	cfg := a.cfg
	if cfg.Executor.Command == "" {
		return ErrNoCommand
	}
	ctx := cmd.Context()
	started := time.Now()

	return a.withStore(ctx, func(store lease.Backend) error {
		mem, err := newCache(cfg.Cache)
		if err != nil {
			return err
		}

		handler := executor.NewCommandHandler(cfg.Executor.Command, store, cfg.Executor.Timeout)
		if cfg.Executor.Shell != "" {
			handler.Shell = cfg.Executor.Shell
		}
		if mem != nil {
			handler.WithCache(mem)
		}

		dispatcher := executor.NewDispatcher(handler)
		defer dispatcher.Subscribe(executor.NewStoreRecorder(store))()
		tally := &outcomeTally{}
		defer dispatcher.Subscribe(tally)()

		reg := prometheus.NewRegistry()
		metrics := runner.NewMetrics(reg)
		mon := monitor.New()

		baseHolder := runner.DefaultHolder()
		results := make([]workerResult, params.workers)

		var g errgroup.Group
		g.SetLimit(params.workers)
		for i := range params.workers {
			holder := baseHolder
			if params.workers > 1 {
				holder = fmt.Sprintf("%s-w%d", baseHolder, i+1)
			}

			r := runner.New(store, dispatcher, cfg.Runner.RunnerOptions(holder)).
				WithCleaner(store).
				WithMonitor(mon).
				WithHistory(store).
				WithMetrics(metrics).
				WithReporter(a.reporter(ctx, cmd, params, holder))
			if mem != nil {
				r.WithCache(mem)
			}

			g.Go(func() error {
				results[i] = runWorker(ctx, r, params)
				return nil
			})
		}
		_ = g.Wait()

		summary := runSummary{
			Workers:   params.workers,
			Completed: tally.completed.Load(),
			Failed:    tally.failed.Load(),
			Recovered: mon.Recovered(),
			Elapsed:   time.Since(started),
		}
		var errs []error
		for _, res := range results {
			summary.Staked += res.staked
			summary.Processed += res.processed
			if res.err != nil {
				errs = append(errs, res.err)
			}
		}

		if mem != nil {
			if err := mem.Flush(ctx); err != nil {
				logger.Warn().Err(err).Msg("final cache flush failed")
			}
		}

		if params.metricsFile != "" {
			if err := prometheus.WriteToTextfile(params.metricsFile, reg); err != nil {
				errs = append(errs, fmt.Errorf("writing metrics to %s: %w", params.metricsFile, err))
			}
		}

		if err := renderRunSummary(cmd.OutOrStdout(), summary, a.interactive()); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

// runWorker drives one Setup/Run cycle.
func runWorker(ctx context.Context, r *runner.Runner, params runParams) workerResult {
	staked, err := r.Setup(ctx, params.batchSize, params.force)
	if err != nil {
		return workerResult{err: fmt.Errorf("%s: %w", r.Holder(), err)}
	}
	if staked == 0 {
		logger.Info().Str("holder", r.Holder()).Msg("no pending jobs")
		return workerResult{}
	}

	processed, err := r.Run(ctx)
	if err != nil {
		err = fmt.Errorf("%s: %w", r.Holder(), err)
	}
	return workerResult{staked: staked, processed: processed, err: err}
}

// reporter draws a bar for a single interactive worker and logs otherwise.
func (a *app) reporter(ctx context.Context, cmd *cobra.Command, params runParams, holder string) runner.Reporter {
	if params.workers == 1 && !params.noProgress && a.interactive() {
		return progress.NewBar(cmd.ErrOrStderr(), "jobs")
	}
	log := logging.ComponentLogger(*logging.FromContext(ctx), "progress").With().Str("holder", holder).Logger()
	return progress.NewLogReporter(log)
}
