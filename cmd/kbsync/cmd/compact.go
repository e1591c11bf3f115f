package cmd

import (
	"github.com/spf13/cobra"

	"github.com/drukkhua/druk-helper-sub000/internal/output"
)

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop deleted vectors from the similarity index",
		Long: `Deleted records leave their vectors in the similarity graph until it
is rebuilt. The index compacts itself when they outnumber live records;
this command does it now.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, envFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			before, err := a.store.Stats(ctx)
			if err != nil {
				return err
			}
			if err := a.store.Compact(ctx); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Compacted: %d orphaned vectors removed", before.Orphans)
			return nil
		},
	}
}
