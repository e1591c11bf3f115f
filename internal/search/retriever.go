package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/store"
	"github.com/drukkhua/druk-helper-sub000/internal/telemetry"
)

// Retriever runs hybrid queries against an index store.
type Retriever struct {
	store    store.IndexStore
	matcher  store.KeywordMatcher
	cfg      Config
	breaker  *kberrors.CircuitBreaker
	recorder Recorder
	logger   *slog.Logger
}

// Recorder receives one event per answered query.
type Recorder interface {
	Record(e telemetry.QueryEvent)
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBreaker replaces the vector circuit breaker.
func WithBreaker(cb *kberrors.CircuitBreaker) Option {
	return func(r *Retriever) {
		if cb != nil {
			r.breaker = cb
		}
	}
}

// WithRecorder reports every answered query to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Retriever) {
		r.recorder = rec
	}
}

// New creates a retriever. When st also implements store.KeywordMatcher the
// keyword pass uses it; otherwise the pass scans every record.
func New(st store.IndexStore, cfg Config, opts ...Option) *Retriever {
	def := DefaultConfig()
	if cfg.KeywordBonus < 0 {
		cfg.KeywordBonus = def.KeywordBonus
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = def.DefaultLanguage
	}

	r := &Retriever{
		store:  st,
		cfg:    cfg,
		logger: slog.Default(),
		breaker: kberrors.NewCircuitBreaker("similarity",
			kberrors.WithMaxFailures(cfg.BreakerFailures),
			kberrors.WithResetTimeout(cfg.BreakerReset)),
	}
	if m, ok := st.(store.KeywordMatcher); ok {
		r.matcher = m
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search returns up to k hits for query with answers in lang.
func (r *Retriever) Search(ctx context.Context, query string, lang knowledge.Language, k int) ([]*Hit, error) {
	res, err := r.Query(ctx, query, lang, k)
	if err != nil {
		return nil, err
	}
	return res.Hits, nil
}

// Query is Search with details on how the result was produced.
//
// A failing, slow, or tripped vector pass degrades the result to keyword
// hits only. An error is returned only when the keyword pass fails too.
func (r *Retriever) Query(ctx context.Context, query string, lang knowledge.Language, k int) (*Result, error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, kberrors.New(kberrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	if lang == "" {
		lang = r.cfg.DefaultLanguage
	}
	k = r.limit(k)

	var (
		kwHits  []keywordMatch
		vecHits []vectorMatch
		kwErr   error
		vecErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		kwHits, kwErr = r.keywordPass(gctx, query)
		return nil
	})
	g.Go(func() error {
		vecHits, vecErr = r.vectorPass(gctx, query, k)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Query: query}
	switch {
	case kwErr != nil && vecErr != nil:
		return nil, kberrors.New(kberrors.ErrCodeSearchFailed, "keyword and vector search both failed", errors.Join(kwErr, vecErr))
	case vecErr != nil:
		res.Degraded = true
		res.Warning = "vector search unavailable, showing keyword matches only"
		berr := kberrors.BackendUnavailable("vector search failed", vecErr)
		r.logger.LogAttrs(ctx, slog.LevelWarn, "search degraded to keyword only", kberrors.LogAttrs(berr)...)
	case kwErr != nil:
		res.Degraded = true
		res.Warning = "keyword search failed, showing similarity matches only"
		r.logger.Warn("keyword pass failed", slog.String("error", kwErr.Error()))
	}

	res.Hits = merge(kwHits, vecHits, r.cfg.KeywordBonus, lang, k)
	res.VectorBackend = r.BreakerState().String()
	res.Duration = time.Since(start)
	res.DurationMs = res.Duration.Milliseconds()

	r.logger.Debug("search completed",
		slog.String("query", query),
		slog.Int("keyword_hits", len(kwHits)),
		slog.Int("vector_hits", len(vecHits)),
		slog.Int("results", len(res.Hits)),
		slog.Bool("degraded", res.Degraded),
		slog.Duration("duration", res.Duration))
	r.record(query, lang, res, kwErr, vecErr)
	return res, nil
}

func (r *Retriever) record(query string, lang knowledge.Language, res *Result, kwErr, vecErr error) {
	if r.recorder == nil {
		return
	}
	mode := telemetry.ModeHybrid
	switch {
	case vecErr != nil:
		mode = telemetry.ModeKeywordOnly
	case kwErr != nil:
		mode = telemetry.ModeVectorOnly
	}
	e := telemetry.QueryEvent{
		Query:    query,
		Language: lang,
		Mode:     mode,
		Results:  len(res.Hits),
		Latency:  res.Duration,
	}
	if len(res.Hits) > 0 {
		e.TopScore = res.Hits[0].Score
	}
	r.recorder.Record(e)
}

func (r *Retriever) limit(k int) int {
	if k <= 0 {
		k = r.cfg.DefaultLimit
	}
	if k > r.cfg.MaxLimit {
		k = r.cfg.MaxLimit
	}
	return k
}

// keywordPass scores every record sharing a token with the query.
func (r *Retriever) keywordPass(ctx context.Context, query string) ([]keywordMatch, error) {
	tokens := knowledge.TokenSet(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	var (
		candidates []*knowledge.Record
		err        error
	)
	if r.matcher != nil {
		list := make([]string, 0, len(tokens))
		for tok := range tokens {
			list = append(list, tok)
		}
		sort.Strings(list)
		candidates, err = r.matcher.MatchKeywords(ctx, list)
	} else {
		candidates, err = r.store.GetAll(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := make([]keywordMatch, 0, len(candidates))
	for _, rec := range candidates {
		if s := KeywordScore(tokens, rec); s > 0 {
			out = append(out, keywordMatch{rec: rec, score: s})
		}
	}
	return out, nil
}

// vectorPass asks the similarity backend for k candidates through the
// circuit breaker.
func (r *Retriever) vectorPass(ctx context.Context, query string, k int) ([]vectorMatch, error) {
	if r.cfg.VectorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.VectorTimeout)
		defer cancel()
	}

	cands, err := kberrors.CircuitExecute(r.breaker, func() ([]*store.Candidate, error) {
		type reply struct {
			cands []*store.Candidate
			err   error
		}
		// Stores may not honour ctx; the timeout still frees the query.
		ch := make(chan reply, 1)
		go func() {
			c, err := r.store.Query(ctx, query, k)
			ch <- reply{c, err}
		}()
		select {
		case rep := <-ch:
			return rep.cands, rep.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]vectorMatch, 0, len(cands))
	for _, c := range cands {
		if c == nil || c.Record == nil {
			continue
		}
		out = append(out, vectorMatch{rec: c.Record, score: VectorScore(c.Distance)})
	}
	return out, nil
}

// BreakerState reports the vector circuit breaker state.
func (r *Retriever) BreakerState() kberrors.State {
	return r.breaker.State()
}
