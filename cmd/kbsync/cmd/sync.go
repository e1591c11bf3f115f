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

type syncOptions struct {
	full   bool
	format string
}

func newSyncCmd() *cobra.Command {
	var opts syncOptions

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply source changes to the index",
		Long: `Fetch the source snapshot, compare it with the last applied one and
apply the difference.

Small changes are applied record by record. When more than the configured
share of the knowledge base changed (sync.full_rebuild_threshold, default
0.5) the index is rebuilt from scratch. Operator additions and corrections
survive both paths.

Examples:
  kbsync sync
  kbsync sync --full
  kbsync sync --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.full, "full", false, "Force a full rebuild")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "auto", "Output format: text, json, auto")

	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, opts syncOptions) error {
	format, err := output.Resolve(opts.format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	e := envFrom(ctx)
	a, err := openApp(ctx, e)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	e.logger.Info("sync requested", slog.Bool("full", opts.full))
	res, syncErr := a.orch.Sync(ctx, index.SyncOptions{ForceFullRebuild: opts.full})

	out := output.New(cmd.OutOrStdout())
	if format == output.FormatJSON {
		if res != nil {
			if err := out.JSON(res); err != nil {
				return err
			}
		}
		return syncErr
	}
	if res != nil {
		printSyncResult(out, res)
	}
	return syncErr
}

func printSyncResult(out *output.Writer, res *index.SyncResult) {
	switch {
	case !res.Success:
		out.Errorf("Sync failed (%s)", strategyLabel(res.Strategy))
	case res.Strategy == index.StrategyNoop:
		out.Success("Index already up to date")
	default:
		out.Successf("Sync complete (%s)", strategyLabel(res.Strategy))
	}
	out.Fields(
		output.Pair{Key: "Added", Value: res.Added},
		output.Pair{Key: "Modified", Value: res.Modified},
		output.Pair{Key: "Deleted", Value: res.Deleted},
		output.Pair{Key: "Preserved", Value: res.Preserved},
		output.Pair{Key: "Unchanged", Value: res.Unchanged},
		output.Pair{Key: "Change ratio", Value: fmt.Sprintf("%.2f", res.ChangeRatio)},
		output.Pair{Key: "Duration", Value: res.Duration.Round(time.Millisecond)},
	)
	if res.Rejected > 0 {
		out.Warningf("%d source rows were rejected; run 'kbsync analyze' for details", res.Rejected)
	}
	if res.Duplicates > 0 {
		out.Statusf("", "%d duplicate rows skipped", res.Duplicates)
	}
}

func strategyLabel(s index.Strategy) string {
	switch s {
	case index.StrategyNoop:
		return "no changes"
	case index.StrategyIncremental:
		return "incremental"
	case index.StrategyFullRebuild:
		return "full rebuild"
	default:
		return "not started"
	}
}
