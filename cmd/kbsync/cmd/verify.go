package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/drukkhua/druk-helper-sub000/internal/index"
	"github.com/drukkhua/druk-helper-sub000/internal/output"
)

type verifyOptions struct {
	repair bool
	format string
}

// verifyReport is the JSON shape of `kbsync verify`.
type verifyReport struct {
	*index.CheckResult
	Repaired bool `json:"repaired"`
}

func newVerifyCmd() *cobra.Command {
	var opts verifyOptions

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the index matches the last applied snapshot",
		Long: `Compare the fingerprint cache with the index and report records that
are missing, unexpected or out of date. Operator records are not checked.

With --repair, unexpected records are deleted and the cache entries of
missing or stale records are dropped, so the next sync rewrites them.

Examples:
  kbsync verify
  kbsync verify --repair && kbsync sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.repair, "repair", false, "Repair the inconsistencies found")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "auto", "Output format: text, json, auto")

	return cmd
}

func runVerify(ctx context.Context, cmd *cobra.Command, opts verifyOptions) error {
	format, err := output.Resolve(opts.format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	a, err := openApp(ctx, envFrom(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := a.orch.CheckConsistency(ctx)
	if err != nil {
		return err
	}
	report := verifyReport{CheckResult: res}
	if opts.repair && !res.Consistent() {
		if err := a.orch.RepairConsistency(ctx, res.Inconsistencies); err != nil {
			return err
		}
		report.Repaired = true
	}

	out := output.New(cmd.OutOrStdout())
	if format == output.FormatJSON {
		return out.JSON(report)
	}

	if res.Consistent() {
		out.Successf("Index consistent (%d records checked)", res.Checked)
		return nil
	}
	out.Warningf("%d inconsistencies in %d records", len(res.Inconsistencies), res.Checked)
	for _, issue := range res.Inconsistencies {
		out.Statusf("", "%-8s %s  %s", issue.Type, issue.RecordID, issue.Details)
	}
	if report.Repaired {
		out.Success("Repaired. Run 'kbsync sync' to restore missing and stale records.")
	} else {
		out.Status("", "Run 'kbsync verify --repair' to fix them.")
	}
	return nil
}
