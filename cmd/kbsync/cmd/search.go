package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/drukkhua/druk-helper-sub000/internal/output"
	"github.com/drukkhua/druk-helper-sub000/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit    int
	language string
	format   string
	full     bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Answer a question from the index",
		Long: `Search the index with a keyword pass and a similarity pass and print
the best answers.

Records whose keywords contain a word of the query get a bonus on top of
their similarity score. When similarity search is unavailable the keyword
matches are returned alone.

Examples:
  kbsync search "скільки коштує друк футболок"
  kbsync search "цена визиток" --lang rus
  kbsync search "термін виготовлення" -n 5 --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of answers (default from config)")
	cmd.Flags().StringVarP(&opts.language, "lang", "l", "", "Answer language: ukr, rus (default from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "auto", "Output format: text, json, auto")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Print whole answers instead of a preview")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	format, err := output.Resolve(opts.format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	lang, err := parseLanguage(opts.language)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, envFrom(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := a.retriever.Query(ctx, query, lang, opts.limit)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if format == output.FormatJSON {
		return out.JSON(res)
	}
	printSearchResult(out, res, opts.full)
	return nil
}

func printSearchResult(out *output.Writer, res *search.Result, full bool) {
	if res.Warning != "" {
		out.Warning(res.Warning)
	}
	if len(res.Hits) == 0 {
		out.Statusf("🔍", "No answers for %q", res.Query)
		return
	}
	out.Statusf("🔍", "%d answers for %q (%s)", len(res.Hits), res.Query, res.Duration.Round(100*time.Microsecond))
	for i, hit := range res.Hits {
		out.Newline()
		title := hit.Label
		if title == "" {
			title = hit.ID
		}
		out.Statusf("", "%d. [%s] %s  %.2f %s", i+1, hit.Category, title, hit.Score, sourcesLabel(hit.Sources))
		answer := hit.Answer
		if !full {
			answer = output.Truncate(answer, 160)
		}
		out.Block(answer)
	}
}

func sourcesLabel(sources []search.Source) string {
	if len(sources) == 0 {
		return ""
	}
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = string(s)
	}
	return fmt.Sprintf("(%s)", strings.Join(parts, "+"))
}
