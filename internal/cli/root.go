// Package cli implements the leaserun command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rshade/leaserun/internal/config"
	"github.com/rshade/leaserun/internal/lease"
	"github.com/rshade/leaserun/internal/logging"
)

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// logger is the package-level logger for CLI operations.
var logger = zerolog.Nop() //nolint:gochecknoglobals // Required for zerolog context integration

// storeOpener opens the configured queue backend.
type storeOpener func(ctx context.Context, cfg config.StoreConfig) (lease.Backend, error)

// app is the state shared by all subcommands of one root command.
type app struct {
	cfg        *config.Config
	configPath string
	openStore  storeOpener
	logResult  *logging.LogPathResult

	// interactive reports whether progress bars may be drawn.
	interactive func() bool
}

// Execute runs the leaserun command line with the process arguments.
func Execute(ctx context.Context, ver string) error {
	a := &app{
		openStore:   openStore,
		interactive: func() bool { return isTerminal(os.Stderr) },
	}
	return a.execute(ctx, newRootCmd(ver, a))
}

// execute runs cmd and closes the log file whether or not the command failed.
// Cobra skips PersistentPostRunE after a RunE error, so the close lives here.
func (a *app) execute(ctx context.Context, cmd *cobra.Command) error {
	err := cmd.ExecuteContext(ctx)
	if cerr := cleanupLogging(cmd, a.logResult); cerr != nil {
		err = errors.Join(err, fmt.Errorf("closing log file: %w", cerr))
	}
	return err
}

func newRootCmd(ver string, a *app) *cobra.Command {
	var (
		configPath string
		overlays   []string
	)

	cmd := &cobra.Command{
		Use:           "leaserun",
		Short:         "Claim-based batch job runner",
		Long:          "leaserun leases a batch of queued jobs, runs each one under the lease, and stops as soon as the lease is lost.",
		Version:       ver,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.configPath = configPath
			if skipsConfig(cmd) {
				return nil
			}
			cfg, err := config.Load(configPath, overlays...)
			if err != nil {
				return err
			}
			a.cfg = cfg

			result := setupLogging(cmd, cfg)
			a.logResult = &result
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.leaserun/config.yaml)")
	pf.StringArrayVar(&overlays, "config-overlay", nil,
		"YAML file whose sections replace those of the config file (repeatable, applied in order)")
	pf.Bool("debug", false, "enable debug logging")
	cmd.AddCommand(
		newRunCmd(a),
		newEnqueueCmd(a),
		newStatusCmd(a),
		newCleanupCmd(a),
		newPayloadCmd(a),
		newConfigCmd(a),
	)

	return cmd
}

const rootCmdExample = `  # Queue three jobs with the same payload
  leaserun enqueue --payload '{"report":"daily"}' --count 3

  # Lease up to 50 jobs and run a command for each
  leaserun run --batch-size 50 --command ./process.sh

  # Run four runners in parallel, ignoring the concurrency ceiling
  leaserun run --workers 4 --force

  # Show queue counts
  leaserun status

  # Layer a site overlay over the main config
  leaserun --config-overlay site.yaml run --command ./process.sh

  # Print the payload of job 42
  leaserun payload 42

  # Release expired leases and purge old jobs
  leaserun cleanup`

// skipConfigAnnotation marks commands that run without loading the config,
// so a broken file can still be replaced.
const skipConfigAnnotation = "leaserun/skip-config"

func skipsConfig(cmd *cobra.Command) bool {
	_, ok := cmd.Annotations[skipConfigAnnotation]
	return ok
}
