package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/output"
)

// recordFlags are the editable fields of an operator record.
type recordFlags struct {
	category string
	group    string
	label    string
	keywords string
	ukr      string
	rus      string
	rank     int
}

func (f *recordFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.category, "category", "", "Category, e.g. prices or delivery")
	cmd.Flags().StringVar(&f.group, "group", "", "Subcategory")
	cmd.Flags().StringVar(&f.label, "label", "", "Short title")
	cmd.Flags().StringVar(&f.keywords, "keywords", "", "Comma separated keywords")
	cmd.Flags().StringVar(&f.ukr, "ukr", "", "Answer in Ukrainian")
	cmd.Flags().StringVar(&f.rus, "rus", "", "Answer in Russian")
	cmd.Flags().IntVar(&f.rank, "rank", knowledge.DefaultRankHint, "Sort order, lower first")
}

// apply copies the flags that were set on cmd onto rec.
func (f *recordFlags) apply(cmd *cobra.Command, rec *knowledge.Record) {
	changed := cmd.Flags().Changed
	if changed("category") {
		rec.Category = f.category
	}
	if changed("group") {
		rec.Group = f.group
	}
	if changed("label") {
		rec.Label = f.label
	}
	if changed("keywords") {
		rec.Keywords = knowledge.SplitKeywords(f.keywords)
	}
	if changed("ukr") {
		rec.Answers.Ukrainian = f.ukr
	}
	if changed("rus") {
		rec.Answers.Russian = f.rus
	}
	if changed("rank") {
		rec.RankHint = f.rank
	}
}

func newOverlayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "overlay",
		Aliases: []string{"operator"},
		Short:   "Manage operator additions and corrections",
		Long: `Operator records are written directly to the index. Sync never
deletes or overwrites them, including during a full rebuild.

An addition is a new record under a generated id. A correction replaces a
record imported from the source; later source edits of that record are
ignored until the correction is removed.`,
	}

	cmd.AddCommand(newOverlayAddCmd())
	cmd.AddCommand(newOverlayCorrectCmd())
	cmd.AddCommand(newOverlayListCmd())
	cmd.AddCommand(newOverlayRemoveCmd())

	return cmd
}

func newOverlayAddCmd() *cobra.Command {
	var f recordFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an operator record",
		Example: `  kbsync overlay add --category prices --label "Знижка для студентів" \
    --keywords "знижка, студент" --ukr "Студентам знижка 10%."`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rec := &knowledge.Record{RankHint: knowledge.DefaultRankHint}
			f.apply(cmd, rec)

			a, err := openApp(ctx, envFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			added, err := a.orch.AddOperatorRecord(ctx, rec)
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Added %s", added.ID)
			return nil
		},
	}
	f.bind(cmd)

	return cmd
}

func newOverlayCorrectCmd() *cobra.Command {
	var f recordFlags

	cmd := &cobra.Command{
		Use:     "correct <id>",
		Short:   "Correct a record; unset fields keep their current value",
		Example: `  kbsync overlay correct prices_Друк_футболок_1a2b3c4d --ukr "Від 250 грн за штуку."`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, envFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rec, err := lookupRecord(ctx, a, args[0])
			if err != nil {
				return err
			}
			f.apply(cmd, rec)

			corrected, err := a.orch.CorrectRecord(ctx, rec)
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Corrected %s (%s)", corrected.ID, corrected.Origin)
			return nil
		},
	}
	f.bind(cmd)

	return cmd
}

func newOverlayListCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operator records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f, err := output.Resolve(format, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			a, err := openApp(ctx, envFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			records, err := a.orch.OperatorRecords(ctx)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if f == output.FormatJSON {
				if records == nil {
					records = []*knowledge.Record{}
				}
				return out.JSON(records)
			}
			if len(records) == 0 {
				out.Status("📭", "No operator records")
				return nil
			}
			out.Statusf("✍️ ", "%d operator records", len(records))
			for _, r := range records {
				title := r.Label
				if title == "" {
					title = output.Truncate(strings.Join(r.Keywords, ", "), 40)
				}
				out.Status("", fmt.Sprintf("%-20s %s  [%s] %s", r.Origin, r.ID, r.Category, title))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "auto", "Output format: text, json, auto")

	return cmd
}

func newOverlayRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an operator record; a removed correction is restored from the source on the next sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, envFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.orch.RemoveOperatorRecord(ctx, args[0]); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Removed %s", args[0])
			return nil
		},
	}
}

func lookupRecord(ctx context.Context, a *app, id string) (*knowledge.Record, error) {
	recs, err := a.store.Get(ctx, []string{id})
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "failed to read record", err)
	}
	if len(recs) == 0 {
		return nil, kberrors.New(kberrors.ErrCodeRecordNotFound, "no record with id "+id, nil).
			WithSuggestion("ids are listed by 'kbsync analyze --verbose' and 'kbsync search --format json'")
	}
	return recs[0], nil
}
