// Package cmd provides the kbsync CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/drukkhua/druk-helper-sub000/internal/config"
	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/logging"
	"github.com/drukkhua/druk-helper-sub000/internal/profiling"
	"github.com/drukkhua/druk-helper-sub000/pkg/version"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	dataDir    string
	debug      bool
	logLevel   string
	profile    profiling.Options
}

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

// NewRootCmd creates the kbsync root command.
func NewRootCmd() *cobra.Command {
	var (
		opts           globalOptions
		loggingCleanup func()
		profile        *profiling.Session
	)

	cmd := &cobra.Command{
		Use:   "kbsync",
		Short: "Keep a bilingual knowledge base index in sync with its source",
		Long: `kbsync mirrors a spreadsheet-exported knowledge base into a local
hybrid index (keyword + vector) and answers questions from it.

Each sync compares the source with the last applied snapshot and applies
only the difference, or rebuilds the index when most of it changed.
Records written by operators are never overwritten by a sync.

Configuration is read from ~/.config/kbsync/config.yaml, then
.kbsync.yaml in the working directory, then KBSYNC_* variables.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("kbsync version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: .kbsync.yaml in the working directory)")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Directory holding the index and sync state")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to "+logging.DefaultLogPath())
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.Trace, "profile-trace", "", "Write execution trace to file")
	for _, name := range []string{"profile-cpu", "profile-mem", "profile-trace"} {
		_ = cmd.PersistentFlags().MarkHidden(name)
	}

	cmd.PersistentPreRunE = func(c *cobra.Command, _ []string) error {
		var cfg *config.Config
		if c.Annotations[skipConfig] == "" {
			loaded, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cfg = loaded
		}

		logger, cleanup, err := setupLogging(c, cfg, opts)
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		loggingCleanup = cleanup
		slog.SetDefault(logger)

		if cfg == nil {
			cfg = config.NewConfig()
		}
		c.SetContext(withEnv(c.Context(), &env{cfg: cfg, logger: logger}))

		if opts.profile.Enabled() {
			s, err := profiling.Start(opts.profile)
			if err != nil {
				return err
			}
			profile = s
		}
		return nil
	}
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		if profile != nil {
			if err := profile.Stop(); err != nil {
				slog.Warn("failed to write profiles", slog.String("error", err.Error()))
			}
			profile = nil
		}
		if loggingCleanup != nil {
			loggingCleanup()
			loggingCleanup = nil
		}
		return nil
	}

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newCompactCmd())
	cmd.AddCommand(newOverlayCmd())
	cmd.AddCommand(newEvalCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig resolves configuration from --config or the working directory
// and applies --data-dir.
func loadConfig(opts globalOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		var wd string
		wd, err = os.Getwd()
		if err != nil {
			return nil, kberrors.ConfigError("cannot determine working directory", err)
		}
		cfg, err = config.Load(wd)
	}
	if err != nil {
		return nil, kberrors.ConfigError("failed to load configuration", err).
			WithSuggestion("Check .kbsync.yaml or the file passed with --config")
	}
	if opts.dataDir != "" {
		cfg.Storage.DataDir = opts.dataDir
	}
	return cfg, nil
}

// setupLogging logs to the command's stderr, or to the configured file.
// Without --debug only warnings reach the terminal.
func setupLogging(c *cobra.Command, cfg *config.Config, opts globalOptions) (*slog.Logger, func(), error) {
	logCfg := logging.DefaultConfig()
	logCfg.Stderr = c.ErrOrStderr()
	logCfg.Level = "warn"
	if cfg != nil {
		if cfg.Logging.File != "" {
			logCfg.FilePath = cfg.Logging.File
			logCfg.Level = cfg.Logging.Level
			logCfg.WriteToStderr = false
		}
		logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
		logCfg.MaxFiles = cfg.Logging.MaxFiles
	}
	if opts.debug {
		debugCfg := logging.DebugConfig()
		logCfg.Level = debugCfg.Level
		logCfg.FilePath = debugCfg.FilePath
		logCfg.WriteToStderr = false
	}
	if opts.logLevel != "" {
		logCfg.Level = opts.logLevel
	}
	return logging.Setup(logCfg)
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// ExitCode maps an error onto a process exit status: 2 for bad input or
// configuration, 3 when another sync holds the index, 4 for fatal
// conditions that need an operator, and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch code := kberrors.GetCode(err); {
	case code == kberrors.ErrCodeConcurrentSync:
		return 3
	case kberrors.IsFatal(err):
		return 4
	case code == kberrors.ErrCodeConfigInvalid, code == kberrors.ErrCodeConfigNotFound,
		code == kberrors.ErrCodeInvalidInput, code == kberrors.ErrCodeQueryEmpty,
		code == kberrors.ErrCodeRecordNotFound:
		return 2
	default:
		return 1
	}
}
