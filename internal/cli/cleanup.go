package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rshade/leaserun/internal/lease"
)

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Release expired leases and purge old jobs",
		Long: `Runs the cleanup pass on its own: expired leases release their jobs back to
pending, jobs that used up their attempts are marked failed, and finished jobs
older than the retention window are deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(store lease.Backend) error {
				if err := store.Clean(ctx); err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				logger.Info().Msg("cleanup pass complete")

				st, err := store.Stats(ctx)
				if err != nil {
					return fmt.Errorf("reading queue stats: %w", err)
				}
				return renderStats(cmd.OutOrStdout(), "AFTER CLEANUP", st, nil, a.interactive())
			})
		},
	}
}
