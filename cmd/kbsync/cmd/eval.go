package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/output"
	"github.com/drukkhua/druk-helper-sub000/internal/validation"
)

type evalOptions struct {
	limit   int
	minPass float64
	format  string
}

func newEvalCmd() *cobra.Command {
	var opts evalOptions

	cmd := &cobra.Command{
		Use:   "eval <queries.yaml>",
		Short: "Check answer quality against a suite of known questions",
		Long: `Run every question of a YAML suite against the index and report which
ones found an expected answer among the top hits.

Tier 1 questions must be answered: the command fails when their pass rate
is below --min-pass. Tier 2 results are informational and negative queries
only have to complete. Evaluation queries are not recorded in query
analytics.

Examples:
  kbsync eval eval/queries.yaml
  kbsync eval eval/queries.yaml -n 1 --min-pass 0.9 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd.Context(), cmd, args[0], opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", validation.DefaultLimit, "Number of top hits an expected answer must appear in")
	cmd.Flags().Float64Var(&opts.minPass, "min-pass", 1, "Minimum tier 1 pass rate (0-1)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "auto", "Output format: text, json, auto")

	return cmd
}

func runEval(ctx context.Context, cmd *cobra.Command, path string, opts evalOptions) error {
	format, err := output.Resolve(opts.format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if opts.minPass < 0 || opts.minPass > 1 {
		return kberrors.ValidationError("invalid --min-pass", fmt.Errorf("must be in [0, 1], got %g", opts.minPass))
	}
	suite, err := validation.LoadQueries(path)
	if err != nil {
		return kberrors.ValidationError("invalid query suite", err).WithDetail("path", path)
	}

	e := envFrom(ctx)
	cfg := *e.cfg
	cfg.Telemetry.Disabled = true
	a, err := openApp(ctx, &env{cfg: &cfg, logger: e.logger})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := validation.NewValidator(a.retriever, opts.limit).RunAll(ctx, suite)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if format == output.FormatJSON {
		if err := out.JSON(res); err != nil {
			return err
		}
	} else {
		printEvalResult(out, res)
	}

	if rate := res.Tier1.PassRate(); rate < opts.minPass {
		return fmt.Errorf("tier 1 pass rate %.0f%% is below the minimum %.0f%%", rate*100, opts.minPass*100)
	}
	return nil
}

func printEvalResult(out *output.Writer, res *validation.ValidationResult) {
	for _, tier := range []struct {
		name string
		r    *validation.TierResult
	}{{"Tier 1", &res.Tier1}, {"Tier 2", &res.Tier2}, {"Negative", &res.Negative}} {
		if tier.r.Total == 0 {
			continue
		}
		out.Statusf("", "%s: %d/%d passed", tier.name, tier.r.Passed, tier.r.Total)
		for _, tr := range tier.r.Results {
			line := fmt.Sprintf("%s %s", tr.Spec.ID, output.Truncate(tr.Spec.Query, 50))
			switch {
			case tr.Error != "":
				out.Errorf("%s: %s", line, tr.Error)
			case !tr.Passed:
				out.Errorf("%s: expected %v, got %v", line, tr.Spec.Expected, tr.TopResults)
			case tr.MatchedAt > 0:
				out.Successf("%s (at position %d)", line, tr.MatchedAt+1)
			default:
				out.Success(line)
			}
		}
		out.Newline()
	}
	out.Statusf("", "MRR %.3f in %s", res.MRR, res.Duration.Round(100*time.Microsecond))
}
