package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/drukkhua/druk-helper-sub000/internal/index"
	"github.com/drukkhua/druk-helper-sub000/internal/output"
)

type statusOptions struct {
	history int
	format  string
}

// statusReport is the JSON shape of `kbsync status`.
type statusReport struct {
	*index.Status
	// Consistent compares record counts of the cache and the store; it is
	// nil before the first sync or when the check could not run.
	Consistent *bool                `json:"consistent,omitempty"`
	History    []index.HistoryEntry `json:"history,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var opts statusOptions

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the outcome of the last sync",
		Long: `Show when the index was last synced, whether it succeeded and how
many records changed. The information is read from the sync history in
the data directory, so it is available after a restart.

Examples:
  kbsync status
  kbsync status --history 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.history, "history", 0, "Also list the last N sync cycles")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "auto", "Output format: text, json, auto")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, opts statusOptions) error {
	format, err := output.Resolve(opts.format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	a, err := openApp(ctx, envFrom(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report := statusReport{Status: a.orch.Status()}
	if report.LastSyncTime != nil {
		ok, err := a.orch.QuickCheck(ctx)
		if err != nil {
			a.logger.Warn("consistency check failed", slog.String("error", err.Error()))
		} else {
			report.Consistent = &ok
		}
	}
	if opts.history > 0 {
		entries := a.orch.History()
		if len(entries) > opts.history {
			entries = entries[len(entries)-opts.history:]
		}
		report.History = entries
	}

	out := output.New(cmd.OutOrStdout())
	if format == output.FormatJSON {
		return out.JSON(report)
	}
	printStatus(out, report)
	return nil
}

func printStatus(out *output.Writer, r statusReport) {
	st := r.Status
	if st.LastSyncTime == nil {
		out.Status("📭", "No sync has run yet. Run 'kbsync sync' first.")
		return
	}
	if st.LastSyncSuccess {
		out.Success("Last sync succeeded")
	} else {
		out.Error("Last sync failed")
	}
	pairs := []output.Pair{
		{Key: "Last sync", Value: st.LastSyncTime.Local().Format(time.DateTime)},
		{Key: "Strategy", Value: strategyLabel(st.LastStrategy)},
		{Key: "Changes", Value: st.LastChangeCount},
		{Key: "Records", Value: st.CachedRecords},
		{Key: "Syncs", Value: st.Syncs},
	}
	if r.Consistent != nil {
		state := "consistent"
		if !*r.Consistent {
			state = "cache and store disagree, run 'kbsync verify'"
		}
		pairs = append(pairs, output.Pair{Key: "Index", Value: state})
	}
	if st.LastError != "" {
		pairs = append(pairs, output.Pair{Key: "Error", Value: st.LastError})
	}
	out.Fields(pairs...)

	if len(r.History) > 0 {
		out.Newline()
		out.Status("🕘", "History")
		for i := len(r.History) - 1; i >= 0; i-- {
			e := r.History[i]
			mark := "ok"
			if !e.Success {
				mark = "failed"
			}
			out.Status("", fmt.Sprintf("%s  %-6s  %-12s  +%d ~%d -%d  %dms",
				e.Time.Local().Format(time.DateTime), mark, strategyLabel(e.Strategy),
				e.Added, e.Modified, e.Deleted, e.DurationMs))
		}
	}
}
