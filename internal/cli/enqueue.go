package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rshade/leaserun/internal/lease"
)

// ErrInvalidCount is returned when --count is below 1.
var ErrInvalidCount = errors.New("count must be at least 1")

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		queue       string
		payload     string
		payloadFile string
		count       int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add jobs to the queue",
		Long: `Adds --count pending jobs sharing one payload. The payload is opaque bytes
taken from --payload or --payload-file ("-" reads stdin); with neither the
jobs have an empty payload.`,
		Example: `  leaserun enqueue --payload '{"day":"2026-10-14"}'
  leaserun enqueue --payload-file job.json --count 10
  generate.sh | leaserun enqueue --payload-file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("%w: got %d", ErrInvalidCount, count)
			}

			data := []byte(payload)
			if payloadFile != "" {
				var err error
				if data, err = readPayload(cmd.InOrStdin(), payloadFile); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			return a.withStore(ctx, func(store lease.Backend) error {
				first, last := lease.JobID(0), lease.JobID(0)
				for i := range count {
					id, err := store.Enqueue(ctx, queue, data)
					if err != nil {
						return fmt.Errorf("enqueueing job %d of %d: %w", i+1, count, err)
					}
					if i == 0 {
						first = id
					}
					last = id
				}

				logger.Info().
					Int("count", count).
					Str("queue", queue).
					Int("payload_bytes", len(data)).
					Msg("jobs enqueued")

				out := cmd.OutOrStdout()
				if count == 1 {
					_, err := fmt.Fprintf(out, "Enqueued job %s\n", first)
					return err
				}
				_, err := fmt.Fprintf(out, "Enqueued %d jobs (%s-%s)\n", count, first, last)
				return err
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&queue, "queue", lease.DefaultQueue, "queue name")
	f.StringVar(&payload, "payload", "", "job payload")
	f.StringVar(&payloadFile, "payload-file", "", "read the job payload from a file, - for stdin")
	f.IntVar(&count, "count", 1, "number of jobs to enqueue")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload file: %w", err)
	}
	return data, nil
}
