package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rshade/leaserun/internal/lease"
)

func newPayloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "payload <job-id>",
		Short: "Print the payload of a job",
		Long:  "Writes the stored payload bytes of one job to stdout, unchanged.",
		Example: `  leaserun payload 42
  leaserun payload 42 | jq .`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := lease.ParseJobID(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			return a.withStore(ctx, func(store lease.Backend) error {
				data, err := store.Payload(ctx, id)
				if err != nil {
					return fmt.Errorf("reading payload of job %s: %w", id, err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
}
