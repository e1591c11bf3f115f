package search

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drukkhua/druk-helper-sub000/internal/embed"
	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/logging"
	"github.com/drukkhua/druk-helper-sub000/internal/store"
	"github.com/drukkhua/druk-helper-sub000/internal/telemetry"
)

// memStore is an IndexStore with scripted similarity distances. It does
// not implement KeywordMatcher, so the retriever scans GetAll.
type memStore struct {
	mu        sync.Mutex
	records   map[string]*knowledge.Record
	distances map[string]float32

	queryErr   error
	queryBlock bool
	getAllErr  error
	queries    atomic.Int32
}

func newMemStore(recs ...*knowledge.Record) *memStore {
	s := &memStore{records: map[string]*knowledge.Record{}, distances: map[string]float32{}}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *memStore) Add(_ context.Context, recs []*knowledge.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return nil
}

func (s *memStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *memStore) Get(_ context.Context, ids []string) ([]*knowledge.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*knowledge.Record
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) GetAll(_ context.Context) ([]*knowledge.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getAllErr != nil {
		return nil, s.getAllErr
	}
	out := make([]*knowledge.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Query(ctx context.Context, _ string, k int) ([]*store.Candidate, error) {
	s.queries.Add(1)
	if s.queryBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []*store.Candidate
	for id, d := range s.distances {
		if r, ok := s.records[id]; ok {
			out = append(out, &store.Candidate{Record: r, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func rec(id string, keywords []string, ukr, rus string, hint int) *knowledge.Record {
	return &knowledge.Record{
		ID:       id,
		Category: "cards",
		Label:    id,
		Keywords: keywords,
		Answers:  knowledge.Answers{Ukrainian: ukr, Russian: rus},
		RankHint: hint,
		Origin:   knowledge.OriginImported,
	}
}

func newRetriever(st store.IndexStore, cfg Config) *Retriever {
	return New(st, cfg, WithLogger(logging.Discard()))
}

func TestSearch_RankingScenario(t *testing.T) {
	// Given: A matches the query keywords with weak similarity, B only has
	// strong similarity
	a := rec("A", []string{"визитки", "ціна"}, "Візитки від 300 грн", "", 999)
	b := rec("B", []string{"футболки"}, "Друк на футболках", "", 999)
	st := newMemStore(a, b)
	st.distances["A"] = 0.6
	st.distances["B"] = 0.1
	r := newRetriever(st, DefaultConfig())

	// When
	hits, err := r.Search(context.Background(), "ціна візитки", knowledge.LangUkrainian, 3)

	// Then: A = 0.5 bonus + 1.0 keyword + 0.4 vector beats B = 0.9
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "A", hits[0].ID)
	assert.InDelta(t, 1.9, hits[0].Score, 1e-6)
	assert.InDelta(t, 1.0, hits[0].KeywordScore, 1e-9)
	assert.InDelta(t, 0.4, hits[0].VectorScore, 1e-6)
	assert.Equal(t, []Source{SourceKeyword, SourceVector}, hits[0].Sources)
	assert.Equal(t, "B", hits[1].ID)
	assert.InDelta(t, 0.9, hits[1].Score, 1e-6)
	assert.Equal(t, []Source{SourceVector}, hits[1].Sources)
}

func TestSearch_KeywordOnlyGetsBonus(t *testing.T) {
	st := newMemStore(
		rec("half", []string{"ціна"}, "a", "", 1),
		rec("none", []string{"чашки"}, "b", "", 1),
	)
	r := newRetriever(st, DefaultConfig())

	hits, err := r.Search(context.Background(), "ціна візитки", knowledge.LangUkrainian, 5)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0.5+0.5, hits[0].Score, 1e-9)
}

func TestSearch_LanguageFallback(t *testing.T) {
	st := newMemStore(
		rec("both", []string{"ціна"}, "укр", "рус", 1),
		rec("ruonly", []string{"ціна"}, "", "только рус", 2),
	)
	r := newRetriever(st, DefaultConfig())

	hits, err := r.Search(context.Background(), "ціна", knowledge.LangUkrainian, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "укр", hits[0].Answer)
	assert.Equal(t, "только рус", hits[1].Answer)

	hits, err = r.Search(context.Background(), "ціна", knowledge.LangRussian, 5)
	require.NoError(t, err)
	assert.Equal(t, "рус", hits[0].Answer)
}

func TestSearch_TieBreaksByRankHintThenID(t *testing.T) {
	st := newMemStore(
		rec("c", []string{"друк"}, "c", "", 2),
		rec("b", []string{"друк"}, "b", "", 1),
		rec("a", []string{"друк"}, "a", "", 2),
	)
	r := newRetriever(st, DefaultConfig())

	hits, err := r.Search(context.Background(), "друк", "", 2)

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].ID)
	assert.Equal(t, "a", hits[1].ID)
}

func TestSearch_LimitDefaultsAndCap(t *testing.T) {
	var recs []*knowledge.Record
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		recs = append(recs, rec(id, []string{"друк"}, id, "", 1))
	}
	r := newRetriever(newMemStore(recs...), Config{MaxLimit: 4})

	hits, err := r.Search(context.Background(), "друк", "", 0)
	require.NoError(t, err)
	assert.Len(t, hits, DefaultLimit)

	hits, err = r.Search(context.Background(), "друк", "", 100)
	require.NoError(t, err)
	assert.Len(t, hits, 4)
}

func TestSearch_EmptyQuery(t *testing.T) {
	r := newRetriever(newMemStore(), DefaultConfig())

	_, err := r.Search(context.Background(), "   ", "", 3)

	assert.Equal(t, kberrors.ErrCodeQueryEmpty, kberrors.GetCode(err))
}

func TestSearch_MergeIsMonotonic(t *testing.T) {
	// Given: a top hit for a fixed query
	st := newMemStore(
		rec("top", []string{"ціна", "візитки"}, "a", "", 1),
		rec("other", []string{"футболки"}, "b", "", 1),
	)
	st.distances["top"] = 0.3
	st.distances["other"] = 0.2
	r := newRetriever(st, DefaultConfig())
	ctx := context.Background()

	before, err := r.Search(ctx, "ціна візитки", "", 3)
	require.NoError(t, err)
	require.Equal(t, "top", before[0].ID)

	// When: a record with exact keyword overlap is added
	require.NoError(t, st.Add(ctx, []*knowledge.Record{rec("new", []string{"ціна", "візитки"}, "c", "", 1)}))
	st.distances["new"] = 0.25
	after, err := r.Search(ctx, "ціна візитки", "", 3)
	require.NoError(t, err)

	// Then: the previous top hit keeps at least its score
	var topAfter *Hit
	for _, h := range after {
		if h.ID == "top" {
			topAfter = h
		}
	}
	require.NotNil(t, topAfter)
	assert.GreaterOrEqual(t, topAfter.Score, before[0].Score)
}

func TestCombinedScore_Monotonic(t *testing.T) {
	steps := []float64{0, 0.1, 0.25, 0.5, 0.75, 1}
	for _, inK := range []bool{false, true} {
		for _, inV := range []bool{false, true} {
			for i := 1; i < len(steps); i++ {
				for _, other := range steps {
					lo, hi := steps[i-1], steps[i]
					assert.LessOrEqual(t,
						CombinedScore(lo, other, inK, inV, 0.5),
						CombinedScore(hi, other, inK, inV, 0.5))
					assert.LessOrEqual(t,
						CombinedScore(other, lo, inK, inV, 0.5),
						CombinedScore(other, hi, inK, inV, 0.5))
				}
			}
		}
	}
	// joining a pass never lowers a score
	assert.LessOrEqual(t, CombinedScore(0, 0.7, false, true, 0.5), CombinedScore(0.3, 0.7, true, true, 0.5))
	assert.LessOrEqual(t, CombinedScore(0.3, 0, true, false, 0.5), CombinedScore(0.3, 0.2, true, true, 0.5))
}

func TestVectorScore_Clamps(t *testing.T) {
	assert.Equal(t, 1.0, VectorScore(-0.2))
	assert.Equal(t, 1.0, VectorScore(0))
	assert.InDelta(t, 0.4, VectorScore(0.6), 1e-6)
	assert.Equal(t, 0.0, VectorScore(1.5))
	assert.Equal(t, 0.0, VectorScore(2))
}

func TestKeywordScore_FoldsLetters(t *testing.T) {
	r := rec("x", []string{"визитки", "ціна"}, "a", "", 1)

	assert.InDelta(t, 1.0, KeywordScore(knowledge.TokenSet("Ціна візитки?"), r), 1e-9)
	assert.InDelta(t, 0.5, KeywordScore(knowledge.TokenSet("ціна футболки"), r), 1e-9)
	assert.Zero(t, KeywordScore(knowledge.TokenSet("!!!"), r))
}

func TestSearch_DegradesWhenVectorFails(t *testing.T) {
	// Given: a failing similarity backend
	st := newMemStore(rec("kw", []string{"ціна"}, "a", "", 1))
	st.queryErr = errors.New("backend down")
	r := newRetriever(st, DefaultConfig())

	// When
	res, err := r.Query(context.Background(), "ціна", "", 3)

	// Then: keyword hits are still returned
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Warning)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "kw", res.Hits[0].ID)
}

func TestSearch_DegradesOnTimeout(t *testing.T) {
	st := newMemStore(rec("kw", []string{"ціна"}, "a", "", 1))
	st.queryBlock = true
	cfg := DefaultConfig()
	cfg.VectorTimeout = 20 * time.Millisecond
	r := newRetriever(st, cfg)

	start := time.Now()
	res, err := r.Query(context.Background(), "ціна", "", 3)

	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Len(t, res.Hits, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSearch_BreakerSkipsDeadBackend(t *testing.T) {
	// Given: a backend that always fails and a breaker that opens after two failures
	st := newMemStore(rec("kw", []string{"ціна"}, "a", "", 1))
	st.queryErr = errors.New("backend down")
	cb := kberrors.NewCircuitBreaker("test", kberrors.WithMaxFailures(2), kberrors.WithResetTimeout(time.Hour))
	r := New(st, DefaultConfig(), WithLogger(logging.Discard()), WithBreaker(cb))
	ctx := context.Background()

	// When: queried repeatedly
	for i := 0; i < 5; i++ {
		res, err := r.Query(ctx, "ціна", "", 3)
		require.NoError(t, err)
		assert.True(t, res.Degraded)
	}

	// Then: the backend was only called until the breaker opened
	assert.Equal(t, int32(2), st.queries.Load())
	assert.Equal(t, kberrors.StateOpen, r.BreakerState())
	res, err := r.Query(ctx, "ціна", "", 3)
	require.NoError(t, err)
	assert.Equal(t, "open", res.VectorBackend)
}

func TestSearch_FailsWhenBothPassesFail(t *testing.T) {
	st := newMemStore()
	st.queryErr = errors.New("backend down")
	st.getAllErr = errors.New("store down")
	r := newRetriever(st, DefaultConfig())

	_, err := r.Search(context.Background(), "ціна", "", 3)

	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeSearchFailed, kberrors.GetCode(err))
}

func TestSearch_KeywordFailureStillReturnsVectorHits(t *testing.T) {
	st := newMemStore(rec("v", []string{"x"}, "a", "", 1))
	st.distances["v"] = 0.2
	st.getAllErr = errors.New("store down")
	r := newRetriever(st, DefaultConfig())

	res, err := r.Query(context.Background(), "ціна", "", 3)

	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Hits, 1)
	assert.InDelta(t, 0.8, res.Hits[0].Score, 1e-6)
}

func TestSearch_WithSQLiteStore(t *testing.T) {
	// Given: the real store, whose keyword index serves the keyword pass
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Embedder: embed.NewStaticEmbedder(64), Logger: logging.Discard()})
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	require.NoError(t, st.Add(ctx, []*knowledge.Record{
		rec("cards_price", []string{"визитки", "ціна"}, "Візитки від 300 грн", "Визитки от 300 грн", 1),
		rec("shirts", []string{"футболки"}, "Друк на футболках", "", 2),
		rec("mugs", []string{"чашки"}, "Друк на чашках", "", 3),
	}))
	r := newRetriever(st, DefaultConfig())

	// When
	hits, err := r.Search(ctx, "ціна візитки", knowledge.LangRussian, 3)

	// Then
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "cards_price", hits[0].ID)
	assert.Equal(t, "Визитки от 300 грн", hits[0].Answer)
	assert.GreaterOrEqual(t, hits[0].Score, 1.5)
	assert.Contains(t, hits[0].Sources, SourceKeyword)
}

func TestSearch_RecordsQueries(t *testing.T) {
	// Given: a retriever reporting to a recorder, with a flaky vector backend
	st := newMemStore(rec("kw", []string{"ціна"}, "a", "", 1))
	st.distances["kw"] = 0.1
	recorder := telemetry.NewRecorder(nil, telemetry.DefaultConfig())
	r := New(st, DefaultConfig(), WithLogger(logging.Discard()), WithRecorder(recorder))
	ctx := context.Background()

	// When: one healthy query, one degraded query, one unanswered and one invalid
	_, err := r.Query(ctx, "ціна", "", 3)
	require.NoError(t, err)
	st.mu.Lock()
	st.queryErr = errors.New("backend down")
	st.mu.Unlock()
	_, err = r.Query(ctx, "ціна", "", 3)
	require.NoError(t, err)
	_, err = r.Query(ctx, "ламінування 5 банерів", "", 3)
	require.NoError(t, err)
	_, err = r.Query(ctx, "   ", "", 3)
	require.Error(t, err)

	// Then: answered queries are recorded with the passes that served them
	sum := recorder.Summary()
	assert.Equal(t, int64(3), sum.Queries)
	assert.Equal(t, int64(1), sum.Modes[telemetry.ModeHybrid])
	assert.Equal(t, int64(2), sum.Modes[telemetry.ModeKeywordOnly])
	assert.Equal(t, int64(1), sum.Repeats)
	require.Len(t, sum.RecentGaps, 1)
	assert.Equal(t, "ламинування # банерив", sum.RecentGaps[0].Pattern)
	assert.Equal(t, knowledge.LangUkrainian, sum.RecentGaps[0].Language)
}
