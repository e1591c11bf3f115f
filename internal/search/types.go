// Package search answers free-text queries over the knowledge index.
//
// A query runs a keyword pass and a vector pass in parallel and merges them
// into one ranked list. Exact keyword matches earn a fixed bonus on top of
// their scores, because product and pricing jargon matched literally is a
// stronger signal than embedding similarity for short questions.
package search

import (
	"time"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

// Default tuning values.
const (
	DefaultKeywordBonus  = 0.5
	DefaultLimit         = 3
	DefaultMaxLimit      = 50
	DefaultVectorTimeout = 5 * time.Second
)

// Config tunes a Retriever.
type Config struct {
	// KeywordBonus is added to every hit found by the keyword pass.
	KeywordBonus float64
	// DefaultLimit is used when a query asks for k <= 0.
	DefaultLimit int
	// MaxLimit caps k.
	MaxLimit int
	// DefaultLanguage is used when a query names no language.
	DefaultLanguage knowledge.Language
	// VectorTimeout bounds one similarity backend call. Zero disables it.
	VectorTimeout time.Duration
	// BreakerFailures and BreakerReset configure the vector circuit breaker.
	BreakerFailures int
	BreakerReset    time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		KeywordBonus:    DefaultKeywordBonus,
		DefaultLimit:    DefaultLimit,
		MaxLimit:        DefaultMaxLimit,
		DefaultLanguage: knowledge.LangUkrainian,
		VectorTimeout:   DefaultVectorTimeout,
		BreakerFailures: 5,
		BreakerReset:    30 * time.Second,
	}
}

// Source names a pass that produced a hit.
type Source string

const (
	SourceKeyword Source = "keyword"
	SourceVector  Source = "vector"
)

// Hit is one ranked answer.
type Hit struct {
	Record       *knowledge.Record  `json:"-"`
	ID           string             `json:"id"`
	Category     string             `json:"category"`
	Label        string             `json:"label,omitempty"`
	Answer       string             `json:"answer"`
	Language     knowledge.Language `json:"language"`
	KeywordScore float64            `json:"keyword_score"`
	VectorScore  float64            `json:"vector_score"`
	Score        float64            `json:"score"`
	Sources      []Source           `json:"sources"`
}

// Result is a ranked hit list plus how it was produced.
type Result struct {
	Query      string        `json:"query"`
	Hits       []*Hit        `json:"hits"`
	Degraded   bool          `json:"degraded"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
	// VectorBackend is the similarity circuit state after the query:
	// closed, open or half-open.
	VectorBackend string `json:"vector_backend"`
	// Warning explains a degraded result.
	Warning string `json:"warning,omitempty"`
}
