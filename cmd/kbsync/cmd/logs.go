package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/logging"
	"github.com/drukkhua/druk-helper-sub000/internal/output"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	noColor bool
	file    string
}

func newLogsCmd() *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View kbsync logs",
		Long: `Show the last entries of the kbsync log file.

The log file is logging.file from the configuration, or the --debug log
when none is configured. Use -f to follow new entries.

Examples:
  kbsync logs                    # last 50 entries
  kbsync logs -f                 # follow in real time
  kbsync logs --level warn       # warnings and errors only
  kbsync logs --filter "sync"    # entries matching a pattern`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of entries to show")
	cmd.Flags().StringVar(&opts.level, "level", "", "Minimum level: debug, info, warn, error")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Only show lines matching this regular expression")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.file, "file", "", "Log file to read")

	return cmd
}

func runLogs(cmd *cobra.Command, opts logsOptions) error {
	if opts.lines < 1 {
		return kberrors.ValidationError(fmt.Sprintf("--lines must be at least 1, got %d", opts.lines), nil)
	}

	var pattern *regexp.Regexp
	if opts.filter != "" {
		p, err := regexp.Compile(opts.filter)
		if err != nil {
			return kberrors.ValidationError("invalid --filter pattern", err)
		}
		pattern = p
	}

	path := opts.file
	if path == "" {
		path = envFrom(cmd.Context()).cfg.Logging.File
	}
	if path == "" {
		path = logging.DefaultLogPath()
	}
	if _, err := os.Stat(path); err != nil {
		return kberrors.New(kberrors.ErrCodeInvalidInput, "log file not found: "+path, err).
			WithSuggestion("Run a command with --debug or set logging.file to start writing logs")
	}

	out := cmd.OutOrStdout()
	viewer := logging.NewViewer(logging.ViewerConfig{
		Level:   opts.level,
		Pattern: pattern,
		NoColor: opts.noColor || !output.IsTerminal(out),
	}, out)

	errOut := cmd.ErrOrStderr()
	_, _ = fmt.Fprintf(errOut, "Log file: %s\n", path)
	if opts.follow {
		_, _ = fmt.Fprintln(errOut, "Following... (Ctrl+C to stop)")
	}
	_, _ = fmt.Fprintln(errOut, "---")

	entries, err := viewer.Tail(path, opts.lines)
	if err != nil {
		return kberrors.New(kberrors.ErrCodeStoreIO, "failed to read log file", err)
	}
	viewer.Print(entries)

	if !opts.follow {
		return nil
	}
	return followLogs(cmd.Context(), viewer, path, out, errOut)
}

func followLogs(ctx context.Context, viewer *logging.Viewer, path string, out, errOut io.Writer) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	entries := make(chan logging.LogEntry, 100)
	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Follow(ctx, path, entries)
	}()

	for {
		select {
		case entry := <-entries:
			_, _ = fmt.Fprintln(out, viewer.FormatEntry(entry))
		case err := <-errCh:
			return err
		case <-ctx.Done():
			_, _ = fmt.Fprintln(errOut, "\n---\nStopped.")
			return nil
		}
	}
}
