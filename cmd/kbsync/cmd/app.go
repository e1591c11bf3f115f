package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/drukkhua/druk-helper-sub000/internal/config"
	"github.com/drukkhua/druk-helper-sub000/internal/embed"
	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/index"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/search"
	"github.com/drukkhua/druk-helper-sub000/internal/source"
	"github.com/drukkhua/druk-helper-sub000/internal/store"
	"github.com/drukkhua/druk-helper-sub000/internal/telemetry"
)

// IndexFileName is the SQLite database inside the data directory.
const IndexFileName = "index.db"

// env is what the root command resolved for its subcommands.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

type envKey struct{}

func withEnv(ctx context.Context, e *env) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, envKey{}, e)
}

// envFrom returns the resolved environment, or defaults when the command
// runs outside the root command.
func envFrom(ctx context.Context) *env {
	if ctx != nil {
		if e, ok := ctx.Value(envKey{}).(*env); ok && e.cfg != nil {
			return e
		}
	}
	return &env{cfg: config.NewConfig(), logger: slog.Default()}
}

// app is an opened index with everything that works on it.
type app struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	orch      *index.Orchestrator
	retriever *search.Retriever
	logger    *slog.Logger

	// telemetry is nil when its tables could not be created; recorder is
	// nil when telemetry is disabled too.
	telemetry *telemetry.SQLiteStore
	recorder  *telemetry.Recorder
}

// openApp opens the index in the configured data directory and wires the
// source, orchestrator and retriever around it.
func openApp(ctx context.Context, e *env) (*app, error) {
	cfg := e.cfg
	dataDir := cfg.Storage.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "cannot create data directory", err).
			WithDetail("path", dataDir)
	}

	embedder := embed.NewCachedEmbedder(embed.NewStaticEmbedder(cfg.Embeddings.Dimensions), cfg.Embeddings.CacheSize)
	st, err := store.Open(ctx, store.Options{
		Path:     filepath.Join(dataDir, IndexFileName),
		Embedder: embedder,
		Vector: store.VectorConfig{
			Dimensions: cfg.Embeddings.Dimensions,
			M:          cfg.Vector.M,
			EfSearch:   cfg.Vector.EfSearch,
		},
		Logger: e.logger,
	})
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "failed to open index", err).
			WithDetail("path", filepath.Join(dataDir, IndexFileName))
	}

	provider, err := newProvider(cfg.Source, e.logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orch, err := index.NewOrchestrator(index.Options{
		Source:    provider,
		Store:     st,
		DataDir:   dataDir,
		Threshold: cfg.Sync.FullRebuildThreshold,
		Identity: knowledge.IdentityOptions{
			SlugMaxLength: cfg.Sync.SlugMaxLength,
			HashLength:    cfg.Sync.IDHashLength,
		},
		Restore:     restoreRetry(cfg.Sync),
		HistorySize: cfg.Sync.HistorySize,
		Logger:      e.logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, kberrors.InternalError("failed to create orchestrator", err)
	}

	lang, err := knowledge.ParseLanguage(cfg.Search.DefaultLanguage)
	if err != nil {
		lang = knowledge.LangUkrainian
	}
	tstore, err := telemetry.NewSQLiteStore(ctx, st.DB())
	if err != nil {
		e.logger.Warn("query analytics unavailable", slog.String("error", err.Error()))
		tstore = nil
	}
	var recorder *telemetry.Recorder
	searchOpts := []search.Option{search.WithLogger(e.logger)}
	if tstore != nil && !cfg.Telemetry.Disabled {
		recorder = telemetry.NewRecorder(tstore, telemetry.Config{
			GapScore: cfg.Telemetry.GapScore,
			MaxGaps:  cfg.Telemetry.MaxGaps,
		})
		searchOpts = append(searchOpts, search.WithRecorder(recorder))
	}

	retriever := search.New(st, search.Config{
		KeywordBonus:    cfg.Search.KeywordBonus,
		DefaultLimit:    cfg.Search.DefaultLimit,
		MaxLimit:        cfg.Search.MaxLimit,
		DefaultLanguage: lang,
		VectorTimeout:   config.Duration(cfg.Search.VectorTimeout, search.DefaultVectorTimeout),
		BreakerFailures: cfg.Search.BreakerFailures,
		BreakerReset:    config.Duration(cfg.Search.BreakerReset, 30*time.Second),
	}, searchOpts...)

	return &app{
		cfg:       cfg,
		store:     st,
		orch:      orch,
		retriever: retriever,
		logger:    e.logger,
		telemetry: tstore,
		recorder:  recorder,
	}, nil
}

// Close flushes query analytics and closes the index. A failed flush is
// logged, never returned.
func (a *app) Close() error {
	if a.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.recorder.Close(ctx); err != nil {
			a.logger.Warn("failed to save query analytics", slog.String("error", err.Error()))
		}
		cancel()
	}
	return a.store.Close()
}

func newProvider(cfg config.SourceConfig, logger *slog.Logger) (*source.CSVProvider, error) {
	files := make([]source.File, 0, len(cfg.Files))
	for _, f := range cfg.Files {
		files = append(files, source.File{Path: f.Path, Category: f.Category})
	}
	opts := []source.CSVOption{source.WithLogger(logger)}
	if cfg.Delimiter != "" {
		d, err := parseDelimiter(cfg.Delimiter)
		if err != nil {
			return nil, kberrors.ConfigError("invalid source.delimiter", err)
		}
		opts = append(opts, source.WithDelimiter(d))
	}
	return source.NewCSVProvider(files, opts...), nil
}

// parseDelimiter accepts a single character or the names "tab" and "\t".
func parseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "tab", `\t`:
		return '\t', nil
	case "comma":
		return ',', nil
	case "semicolon":
		return ';', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("delimiter must be one character, got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

func restoreRetry(cfg config.SyncConfig) kberrors.RetryConfig {
	rc := kberrors.DefaultRetryConfig()
	rc.MaxRetries = cfg.RestoreRetries
	rc.InitialDelay = config.Duration(cfg.RestoreBackoff, rc.InitialDelay)
	rc.Jitter = true
	return rc
}

// parseLanguage maps an empty flag to "", letting the retriever apply its
// configured default.
func parseLanguage(s string) (knowledge.Language, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	lang, err := knowledge.ParseLanguage(s)
	if err != nil {
		return "", kberrors.ValidationError("invalid language", err).
			WithSuggestion("use --lang ukr or --lang rus")
	}
	return lang, nil
}
