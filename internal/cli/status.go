package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rshade/leaserun/internal/cache"
	"github.com/rshade/leaserun/internal/lease"
)

// statusJSON is the machine readable form of lease.Stats.
type statusJSON struct {
	Pending           int `json:"pending"`
	Leased            int `json:"leased"`
	Done              int `json:"done"`
	Failed            int `json:"failed"`
	OutstandingLeases int `json:"outstanding_leases"`
}

func newStatusCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts",
		Long: `Shows pending, leased, done and failed job counts and the number of
outstanding leases. The table form also lists the lease TTL and, when a cache
directory is configured, the cached payload entries on disk.`,
		Example: `  leaserun status
  leaserun status --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "table" && output != "json" {
				return fmt.Errorf("unsupported output format %q: use table or json", output)
			}

			ctx := cmd.Context()
			return a.withStore(ctx, func(store lease.Backend) error {
				st, err := store.Stats(ctx)
				if err != nil {
					return fmt.Errorf("reading queue stats: %w", err)
				}
				if output == "json" {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(statusJSON(st))
				}
				return renderStats(cmd.OutOrStdout(), "QUEUE STATUS", st, a.settingRows(), a.interactive())
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

// settingRows lists the effective lease TTL and the on-disk cache state.
func (a *app) settingRows() []row {
	rows := []row{{"Lease TTL", cache.FormatDuration(a.cfg.Store.LeaseTTL)}}

	cc := a.cfg.Cache
	if !cc.Enabled || cc.Directory == "" {
		return rows
	}
	store, err := cache.NewFileStore(cc.Directory, cc.TTLSeconds)
	if err != nil {
		logger.Warn().Err(err).Str("directory", cc.Directory).Msg("cache directory unavailable")
		return rows
	}
	rows = append(rows,
		row{"Cache directory", store.Directory()},
		row{"Cache TTL", cache.FormatDuration(time.Duration(store.TTL()) * time.Second)},
	)
	if n, err := store.Count(); err == nil {
		rows = append(rows, row{"Cached payloads", message.NewPrinter(language.English).Sprintf("%d", n)})
	}
	return rows
}
