package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/output"
	"github.com/drukkhua/druk-helper-sub000/internal/store"
	"github.com/drukkhua/druk-helper-sub000/internal/telemetry"
)

func newStatsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index contents by category and origin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd.Context(), cmd, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "auto", "Output format: text, json, auto")
	cmd.AddCommand(newStatsQueriesCmd())

	return cmd
}

func newStatsQueriesCmd() *cobra.Command {
	var (
		format string
		days   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "queries",
		Short: "Show how the knowledge base is queried and which questions go unanswered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatsQueries(cmd.Context(), cmd, format, days, limit)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "auto", "Output format: text, json, auto")
	cmd.Flags().IntVar(&days, "days", 7, "Number of days to report, including today")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum terms and gaps to list")

	return cmd
}

func runStats(ctx context.Context, cmd *cobra.Command, formatFlag string) error {
	format, err := output.Resolve(formatFlag, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	a, err := openApp(ctx, envFrom(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	st, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if format == output.FormatJSON {
		return out.JSON(st)
	}
	printStats(out, st)
	return nil
}

func printStats(out *output.Writer, st *store.Stats) {
	out.Statusf("📚", "%d records, %d vectors", st.Total, st.Vectors)
	if st.Orphans > 0 {
		out.Statusf("", "%d deleted vectors awaiting compaction", st.Orphans)
	}
	if st.Total == 0 {
		return
	}

	out.Newline()
	out.Status("", "By origin:")
	for _, origin := range []knowledge.Origin{knowledge.OriginImported, knowledge.OriginOperatorAddition, knowledge.OriginOperatorCorrection} {
		if n := st.ByOrigin[origin]; n > 0 {
			out.Status("", fmt.Sprintf("  %-20s %5d", origin, n))
		}
	}

	categories := make([]string, 0, len(st.ByCategory))
	width := 0
	for c := range st.ByCategory {
		categories = append(categories, c)
		if n := len([]rune(c)); n > width {
			width = n
		}
	}
	sort.Slice(categories, func(i, j int) bool {
		ci, cj := st.ByCategory[categories[i]], st.ByCategory[categories[j]]
		if ci != cj {
			return ci > cj
		}
		return categories[i] < categories[j]
	})

	out.Newline()
	out.Status("", "By category:")
	for _, c := range categories {
		n := st.ByCategory[c]
		out.Status("", fmt.Sprintf("  %-*s %5d %s", width, c, n, output.Bar(float64(n), float64(st.Total), 20)))
	}
}

func runStatsQueries(ctx context.Context, cmd *cobra.Command, formatFlag string, days, limit int) error {
	format, err := output.Resolve(formatFlag, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if days < 1 {
		return kberrors.ValidationError("invalid --days", fmt.Errorf("must be at least 1, got %d", days))
	}
	a, err := openApp(ctx, envFrom(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if a.telemetry == nil {
		return kberrors.New(kberrors.ErrCodeStoreIO, "query analytics are unavailable", nil)
	}
	report, err := a.telemetry.Report(ctx, days, limit, time.Now())
	if err != nil {
		return kberrors.New(kberrors.ErrCodeStoreIO, "failed to read query analytics", err)
	}

	out := output.New(cmd.OutOrStdout())
	if format == output.FormatJSON {
		return out.JSON(report)
	}
	printQueryReport(out, report, a.cfg.Telemetry.Disabled)
	return nil
}

func printQueryReport(out *output.Writer, r *telemetry.Report, disabled bool) {
	if disabled {
		out.Warning("query analytics are disabled; showing previously recorded data")
	}
	out.Statusf("🔎", "%d queries from %s to %s", r.Queries, r.From, r.To)
	if r.Queries > 0 {
		out.Newline()
		out.Status("", "By mode:")
		for _, m := range []telemetry.Mode{telemetry.ModeHybrid, telemetry.ModeKeywordOnly, telemetry.ModeVectorOnly} {
			n := r.Modes[m]
			out.Status("", fmt.Sprintf("  %-14s %5d %s", m, n, output.Bar(float64(n), float64(r.Queries), 20)))
		}
		out.Newline()
		out.Status("", "Latency:")
		for _, b := range telemetry.Buckets {
			n := r.Latency[b]
			out.Status("", fmt.Sprintf("  %-14s %5d %s", b, n, output.Bar(float64(n), float64(r.Queries), 20)))
		}
	}

	if len(r.TopTerms) > 0 {
		out.Newline()
		out.Status("", "Top terms:")
		for _, t := range r.TopTerms {
			out.Status("", fmt.Sprintf("  %5d  %s", t.Count, t.Term))
		}
	}

	out.Newline()
	if len(r.Gaps) == 0 {
		out.Success("No knowledge gaps recorded")
		return
	}
	out.Status("", "Knowledge gaps:")
	for _, g := range r.Gaps {
		out.Status("", fmt.Sprintf("  %5d  %s  (e.g. %q, %s)", g.Count, g.Pattern,
			output.Truncate(g.Example, 60), g.LastSeen.Local().Format(time.DateTime)))
	}
}
