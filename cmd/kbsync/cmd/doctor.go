package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drukkhua/druk-helper-sub000/internal/output"
	"github.com/drukkhua/druk-helper-sub000/internal/preflight"
)

// doctorReport is the JSON shape of `kbsync doctor`.
type doctorReport struct {
	Status string                  `json:"status"`
	Checks []preflight.CheckResult `json:"checks"`
}

func newDoctorCmd() *cobra.Command {
	var (
		format  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that a sync can run",
		Long: `Read the source export, check the data directory and the sync lock,
and report anything that would make the next sync fail.

The command fails only when a required check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd, format, verbose)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "auto", "Output format: text, json, auto")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show details of each check")

	return cmd
}

func runDoctor(ctx context.Context, cmd *cobra.Command, formatFlag string, verbose bool) error {
	format, err := output.Resolve(formatFlag, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	e := envFrom(ctx)
	provider, err := newProvider(e.cfg.Source, e.logger)
	if err != nil {
		return err
	}

	checker := preflight.New(preflight.WithSource(provider))
	results := checker.RunAll(ctx, e.cfg.Storage.DataDir)
	report := doctorReport{Status: checker.SummaryStatus(results), Checks: results}

	out := output.New(cmd.OutOrStdout())
	if format == output.FormatJSON {
		if err := out.JSON(report); err != nil {
			return err
		}
	} else {
		printDoctorReport(out, report, verbose)
	}

	if checker.HasCriticalFailures(results) {
		return fmt.Errorf("%d required check(s) failed", countCritical(results))
	}
	return nil
}

func countCritical(results []preflight.CheckResult) int {
	n := 0
	for _, r := range results {
		if r.IsCritical() {
			n++
		}
	}
	return n
}

func printDoctorReport(out *output.Writer, report doctorReport, verbose bool) {
	for _, r := range report.Checks {
		out.Statusf("", "[%s] %s: %s", r.Status, r.Name, r.Message)
		if r.Details != "" && (verbose || r.Status != preflight.StatusPass) {
			out.Block(r.Details)
		}
	}
	out.Newline()
	out.Statusf("", "Status: %s", strings.ToUpper(report.Status))
}
