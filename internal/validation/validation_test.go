package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/search"
)

// fakeSearcher answers from a fixed table keyed by query.
type fakeSearcher struct {
	answers map[string][]*search.Hit
	err     error
	langs   []knowledge.Language
}

func (f *fakeSearcher) Search(_ context.Context, query string, lang knowledge.Language, k int) ([]*search.Hit, error) {
	f.langs = append(f.langs, lang)
	if f.err != nil {
		return nil, f.err
	}
	hits := f.answers[query]
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func hit(id, category, label string) *search.Hit {
	return &search.Hit{ID: id, Category: category, Label: label}
}

const suiteYAML = `
tier1:
  - id: cards
    query: ціна візиток
    expected: [prices_cards]
  - query: доставка
    expected: ["category:delivery"]
tier2:
  - id: shirts-rus
    query: футболки
    language: RUS
    expected: ["label:друк футболок"]
negative:
  - query: "???"
`

func TestParseQueries(t *testing.T) {
	cfg, err := ParseQueries([]byte(suiteYAML))

	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Len())
	assert.Equal(t, 1, cfg.Tier1[0].Tier)
	assert.Equal(t, "T1-2", cfg.Tier1[1].ID)
	assert.Equal(t, 2, cfg.Tier2[0].Tier)
	assert.Equal(t, knowledge.LangRussian, cfg.Tier2[0].Language)
	assert.Equal(t, 0, cfg.Negative[0].Tier)
	assert.Equal(t, "N-1", cfg.Negative[0].ID)
}

func TestParseQueries_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "tier1: [oops"},
		{"duplicate id", "tier1:\n  - {id: a, query: x, expected: [y]}\n  - {id: a, query: z, expected: [y]}\n"},
		{"missing expected", "tier1:\n  - {query: x}\n"},
		{"bad language", "tier2:\n  - {query: x, language: en, expected: [y]}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQueries([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.yaml")
	require.NoError(t, os.WriteFile(path, []byte(suiteYAML), 0o644))

	cfg, err := LoadQueries(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Tier1, 2)

	_, err = LoadQueries(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidator_RunAll(t *testing.T) {
	// Given: a searcher that answers the first tier-1 query at position 2,
	// the second at position 1 and misses the tier-2 query
	cfg, err := ParseQueries([]byte(suiteYAML))
	require.NoError(t, err)
	s := &fakeSearcher{answers: map[string][]*search.Hit{
		"ціна візиток": {hit("prices_shirts", "prices", "Друк футболок"), hit("prices_cards", "prices", "Візитки")},
		"доставка":     {hit("delivery_np", "delivery", "Доставка")},
		"футболки":     {hit("timing", "timing", "Терміни")},
	}}
	v := NewValidator(s, 3)

	// When
	res, err := v.RunAll(context.Background(), cfg)

	// Then
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tier1.Passed)
	assert.Equal(t, 1.0, res.Tier1.PassRate())
	assert.Equal(t, 0, res.Tier2.Passed)
	assert.Equal(t, 1, res.Tier2.Total)
	assert.Equal(t, 1, res.Negative.Passed)
	assert.Equal(t, 1, res.Tier1.Results[0].MatchedAt)
	assert.Equal(t, []string{"prices_shirts", "prices_cards"}, res.Tier1.Results[0].TopResults)
	assert.Equal(t, -1, res.Tier2.Results[0].MatchedAt)
	assert.InDelta(t, (0.5+1.0)/3, res.MRR, 1e-9)
	assert.Contains(t, s.langs, knowledge.LangRussian)
}

func TestValidator_LabelMatchIgnoresCase(t *testing.T) {
	s := &fakeSearcher{answers: map[string][]*search.Hit{
		"футболки": {hit("x", "prices", "Друк Футболок")},
	}}
	v := NewValidator(s, 0)

	r := v.RunQuery(context.Background(), QuerySpec{Query: "футболки", Tier: 2, Expected: []string{"label:друк футболок"}})

	assert.True(t, r.Passed)
	assert.Equal(t, 0, r.MatchedAt)
}

func TestValidator_MatchOutsideLimitFails(t *testing.T) {
	s := &fakeSearcher{answers: map[string][]*search.Hit{
		"q": {hit("a", "c", ""), hit("b", "c", "")},
	}}
	v := NewValidator(s, 1)

	r := v.RunQuery(context.Background(), QuerySpec{Query: "q", Tier: 1, Expected: []string{"b"}})

	assert.False(t, r.Passed)
}

func TestValidator_SearchError(t *testing.T) {
	// Given: a failing searcher
	s := &fakeSearcher{err: errors.New("index closed")}
	v := NewValidator(s, 3)

	// When: running a tier-1 and a negative query
	pos := v.RunQuery(context.Background(), QuerySpec{Query: "q", Tier: 1, Expected: []string{"a"}})
	neg := v.RunQuery(context.Background(), QuerySpec{Query: "q", Tier: 0})

	// Then: both fail and report the error
	assert.False(t, pos.Passed)
	assert.False(t, neg.Passed)
	assert.Equal(t, "index closed", neg.Error)
}

func TestValidator_RunAllHonorsCancel(t *testing.T) {
	cfg, err := ParseQueries([]byte(suiteYAML))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewValidator(&fakeSearcher{}, 3).RunAll(ctx, cfg)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestTierResult_EmptyPassRate(t *testing.T) {
	assert.Equal(t, 1.0, (&TierResult{}).PassRate())
}
