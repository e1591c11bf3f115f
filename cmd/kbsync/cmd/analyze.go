package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drukkhua/druk-helper-sub000/internal/index"
	"github.com/drukkhua/druk-helper-sub000/internal/output"
)

type analyzeOptions struct {
	format  string
	verbose bool
}

func newAnalyzeCmd() *cobra.Command {
	var opts analyzeOptions

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Preview what the next sync would change",
		Long: `Compare the source with the last applied snapshot without touching
the index, and list recommendations.

Examples:
  kbsync analyze
  kbsync analyze --verbose
  kbsync analyze --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAnalyze(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", "auto", "Output format: text, json, auto")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "List affected record ids and rejected rows")

	return cmd
}

func runAnalyze(ctx context.Context, cmd *cobra.Command, opts analyzeOptions) error {
	format, err := output.Resolve(opts.format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	a, err := openApp(ctx, envFrom(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	analysis, err := a.orch.Analyze(ctx)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if format == output.FormatJSON {
		return out.JSON(analysis)
	}
	printAnalysis(out, analysis, opts.verbose)
	return nil
}

func printAnalysis(out *output.Writer, an *index.Analysis, verbose bool) {
	out.Statusf("📊", "Next sync: %s (change ratio %.2f, threshold %.2f)",
		strategyLabel(an.Strategy), an.ChangeRatio, an.Threshold)
	out.Fields(
		output.Pair{Key: "Added", Value: len(an.Added)},
		output.Pair{Key: "Modified", Value: len(an.Modified)},
		output.Pair{Key: "Deleted", Value: len(an.Deleted)},
		output.Pair{Key: "Preserved", Value: len(an.Preserved)},
		output.Pair{Key: "Unchanged", Value: an.Unchanged},
		output.Pair{Key: "Rejected rows", Value: len(an.Rejected)},
		output.Pair{Key: "Operator records", Value: an.OperatorRecords},
	)

	if verbose {
		printIDs(out, "Added", an.Added)
		printIDs(out, "Modified", an.Modified)
		printIDs(out, "Deleted", an.Deleted)
		printIDs(out, "Preserved", an.Preserved)
		if len(an.Rejected) > 0 {
			out.Newline()
			out.Status("", "Rejected:")
			for _, r := range an.Rejected {
				out.Status("", fmt.Sprintf("  %s:%d  %s", r.Row.File, r.Row.Line, r.Reason))
			}
		}
	}

	if len(an.Recommendations) == 0 {
		return
	}
	out.Newline()
	out.Status("💡", "Recommendations")
	for _, rec := range an.Recommendations {
		out.Status("", fmt.Sprintf("[%s] %s", rec.Priority, rec.Description))
		if rec.Action != "" {
			out.Status("", "      → "+rec.Action)
		}
	}
}

func printIDs(out *output.Writer, title string, ids []string) {
	if len(ids) == 0 {
		return
	}
	out.Newline()
	out.Status("", title+":")
	for _, id := range ids {
		out.Status("", "  "+id)
	}
}
