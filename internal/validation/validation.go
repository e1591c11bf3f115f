// Package validation checks retrieval quality against a list of known
// questions.
//
// Queries are data-driven, loaded from a YAML file, so operators can extend
// the suite as the knowledge base grows without rebuilding anything:
//
//	tier1:
//	  - id: T1-1
//	    name: card prices
//	    query: скільки коштують візитки
//	    expected: [prices_vizitki_3f2a1b9c]
//	tier2:
//	  - id: T2-1
//	    query: цена визиток
//	    language: rus
//	    expected: ["label:Візитки"]
//	negative:
//	  - id: N-1
//	    query: "!!!"
//
// Tier 1 questions must be answered, tier 2 ones should be, and negative
// queries only have to complete without an error.
package validation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/search"
)

// DefaultLimit is how many hits a query may return for a match to count.
const DefaultLimit = 3

// QuerySpec defines a test query with expected results.
type QuerySpec struct {
	ID       string             `yaml:"id" json:"id"`
	Name     string             `yaml:"name,omitempty" json:"name,omitempty"`
	Query    string             `yaml:"query" json:"query"`
	Language knowledge.Language `yaml:"language,omitempty" json:"language,omitempty"`
	// Expected lists acceptable answers: a record id, "label:<label>" or
	// "category:<category>". Any one of them in the top hits passes.
	Expected []string `yaml:"expected,omitempty" json:"expected,omitempty"`
	Notes    string   `yaml:"notes,omitempty" json:"notes,omitempty"`
	Tier     int      `yaml:"-" json:"tier"`
}

// QueryConfig holds all validation queries loaded from YAML.
type QueryConfig struct {
	Tier1    []QuerySpec `yaml:"tier1"`
	Tier2    []QuerySpec `yaml:"tier2"`
	Negative []QuerySpec `yaml:"negative"`
}

// Len returns the number of queries.
func (c *QueryConfig) Len() int {
	return len(c.Tier1) + len(c.Tier2) + len(c.Negative)
}

// LoadQueries reads a query suite from path.
func LoadQueries(path string) (*QueryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queries file %s: %w", path, err)
	}
	return ParseQueries(data)
}

// ParseQueries parses a YAML query suite.
func ParseQueries(data []byte) (*QueryConfig, error) {
	var cfg QueryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse queries YAML: %w", err)
	}

	seen := make(map[string]bool)
	for _, tier := range []struct {
		n     int
		specs []QuerySpec
	}{{1, cfg.Tier1}, {2, cfg.Tier2}, {0, cfg.Negative}} {
		for i := range tier.specs {
			spec := &tier.specs[i]
			spec.Tier = tier.n
			if spec.ID == "" {
				spec.ID = fmt.Sprintf("T%d-%d", tier.n, i+1)
				if tier.n == 0 {
					spec.ID = fmt.Sprintf("N-%d", i+1)
				}
			}
			if seen[spec.ID] {
				return nil, fmt.Errorf("duplicate query id %q", spec.ID)
			}
			seen[spec.ID] = true
			if spec.Language != "" {
				lang, err := knowledge.ParseLanguage(string(spec.Language))
				if err != nil {
					return nil, fmt.Errorf("query %s: %w", spec.ID, err)
				}
				spec.Language = lang
			}
			if tier.n != 0 && len(spec.Expected) == 0 {
				return nil, fmt.Errorf("query %s: expected is required outside the negative tier", spec.ID)
			}
		}
	}
	return &cfg, nil
}

// Searcher is the part of the retriever the validator needs.
type Searcher interface {
	Search(ctx context.Context, query string, lang knowledge.Language, k int) ([]*search.Hit, error)
}

// TestResult captures the outcome of a single query test.
type TestResult struct {
	Spec       QuerySpec     `json:"spec"`
	Passed     bool          `json:"passed"`
	Duration   time.Duration `json:"duration"`
	TopResults []string      `json:"top_results"`
	// MatchedAt is the position of the first expected hit, or -1.
	MatchedAt int    `json:"matched_at"`
	Error     string `json:"error,omitempty"`
}

// TierResult summarizes one tier.
type TierResult struct {
	Results []TestResult `json:"results"`
	Passed  int          `json:"passed"`
	Total   int          `json:"total"`
}

// PassRate is the share of passed queries, 1 for an empty tier.
func (t *TierResult) PassRate() float64 {
	if t.Total == 0 {
		return 1
	}
	return float64(t.Passed) / float64(t.Total)
}

func (t *TierResult) add(r TestResult) {
	t.Results = append(t.Results, r)
	t.Total++
	if r.Passed {
		t.Passed++
	}
}

// ValidationResult captures results of a full validation run.
type ValidationResult struct {
	Timestamp time.Time  `json:"timestamp"`
	Tier1     TierResult `json:"tier1"`
	Tier2     TierResult `json:"tier2"`
	Negative  TierResult `json:"negative"`
	// MRR is the mean reciprocal rank over tier 1 and tier 2.
	MRR      float64       `json:"mrr"`
	Duration time.Duration `json:"duration"`
}

// Validator runs validation queries against a retriever.
type Validator struct {
	searcher Searcher
	limit    int
}

// NewValidator creates a validator that looks at the top limit hits.
func NewValidator(s Searcher, limit int) *Validator {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Validator{searcher: s, limit: limit}
}

// RunQuery executes a single query and returns the result.
func (v *Validator) RunQuery(ctx context.Context, spec QuerySpec) TestResult {
	start := time.Now()
	result := TestResult{
		Spec:      spec,
		MatchedAt: -1,
	}

	hits, err := v.searcher.Search(ctx, spec.Query, spec.Language, v.limit)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.TopResults = make([]string, 0, len(hits))
	for _, h := range hits {
		result.TopResults = append(result.TopResults, h.ID)
	}

	if spec.Tier == 0 {
		result.Passed = true
		return result
	}
	result.MatchedAt = checkExpected(hits, spec.Expected)
	result.Passed = result.MatchedAt >= 0
	return result
}

// RunAll executes every query of cfg in order.
func (v *Validator) RunAll(ctx context.Context, cfg *QueryConfig) (*ValidationResult, error) {
	start := time.Now()
	result := &ValidationResult{Timestamp: start}

	var rr float64
	for _, tier := range []struct {
		specs []QuerySpec
		into  *TierResult
	}{{cfg.Tier1, &result.Tier1}, {cfg.Tier2, &result.Tier2}, {cfg.Negative, &result.Negative}} {
		for _, spec := range tier.specs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			tr := v.RunQuery(ctx, spec)
			tier.into.add(tr)
			if spec.Tier != 0 && tr.MatchedAt >= 0 {
				rr += 1 / float64(tr.MatchedAt+1)
			}
		}
	}

	if n := result.Tier1.Total + result.Tier2.Total; n > 0 {
		result.MRR = rr / float64(n)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// checkExpected returns the position of the first hit matching any
// expectation, or -1.
func checkExpected(hits []*search.Hit, expected []string) int {
	for i, h := range hits {
		for _, exp := range expected {
			if matches(h, exp) {
				return i
			}
		}
	}
	return -1
}

func matches(h *search.Hit, exp string) bool {
	switch {
	case strings.HasPrefix(exp, "label:"):
		return strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(exp, "label:")), h.Label)
	case strings.HasPrefix(exp, "category:"):
		return strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(exp, "category:")), h.Category)
	default:
		return exp == h.ID
	}
}
