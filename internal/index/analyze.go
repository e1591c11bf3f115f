package index

import (
	"context"
	"fmt"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

// Priority orders recommendations.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
	PriorityInfo   Priority = "info"
)

// Recommendation is one finding of an analysis.
type Recommendation struct {
	Kind        string   `json:"kind"`
	Priority    Priority `json:"priority"`
	Count       int      `json:"count"`
	Description string   `json:"description"`
	Action      string   `json:"action"`
}

// Analysis is a dry run of a sync cycle.
type Analysis struct {
	Strategy        Strategy              `json:"strategy"`
	ChangeRatio     float64               `json:"change_ratio"`
	Threshold       float64               `json:"threshold"`
	Added           []string              `json:"added"`
	Modified        []string              `json:"modified"`
	Deleted         []string              `json:"deleted"`
	Preserved       []string              `json:"preserved"`
	Unchanged       int                   `json:"unchanged"`
	Rejected        []knowledge.Rejection `json:"rejected,omitempty"`
	Duplicates      int                   `json:"duplicates"`
	OperatorRecords int                   `json:"operator_records"`
	Recommendations []Recommendation      `json:"recommendations"`
}

// Analyze computes what Sync would do without changing anything. It does
// not take the sync lock.
func (o *Orchestrator) Analyze(ctx context.Context) (*Analysis, error) {
	if o.source == nil {
		return nil, fmt.Errorf("no source configured")
	}
	p, err := o.plan(ctx)
	if err != nil {
		return nil, err
	}

	cs := p.changes
	a := &Analysis{
		Strategy:        ChooseStrategy(cs, o.threshold, false),
		ChangeRatio:     cs.ChangeRatio(),
		Threshold:       o.threshold,
		Added:           recordIDs(cs.Added),
		Modified:        recordIDs(cs.Modified),
		Deleted:         cs.Deleted,
		Preserved:       cs.Preserved,
		Unchanged:       cs.Unchanged,
		Rejected:        p.snapshot.Rejected,
		Duplicates:      p.snapshot.Duplicates,
		OperatorRecords: p.guard.ProtectedCount(),
	}
	a.Recommendations = recommend(cs, p, a.Strategy)
	return a, nil
}

func recommend(cs *ChangeSet, p *plan, strategy Strategy) []Recommendation {
	var out []Recommendation
	add := func(kind string, pr Priority, n int, desc, action string) {
		out = append(out, Recommendation{Kind: kind, Priority: pr, Count: n, Description: desc, Action: action})
	}

	if p.cacheCorrupt {
		add("cache_corrupt", PriorityHigh, 1,
			"fingerprint cache is unreadable",
			"run sync; it will rebuild the index and rewrite the cache")
	}
	if n := len(cs.Added); n > 0 {
		add("new_content", PriorityHigh, n,
			fmt.Sprintf("%d new records in the source", n),
			"run sync to add them")
	}
	if n := len(cs.Modified); n > 0 {
		add("updated_content", PriorityMedium, n,
			fmt.Sprintf("%d records changed in the source", n),
			"run sync to refresh them")
	}
	if n := len(p.snapshot.Rejected); n > 0 {
		add("rejected_rows", PriorityMedium, n,
			fmt.Sprintf("%d source rows failed validation", n),
			"fix category, keywords or answers in the listed rows")
	}
	if n := len(cs.Deleted); n > 0 {
		add("removed_content", PriorityLow, n,
			fmt.Sprintf("%d records are no longer in the source", n),
			"they will be deleted on the next sync")
	}
	if n := len(cs.Preserved); n > 0 {
		add("operator_content", PriorityInfo, n,
			fmt.Sprintf("%d operator records override the source", n),
			"kept automatically")
	}
	if strategy == StrategyFullRebuild && !p.cacheCorrupt {
		add("full_rebuild", PriorityInfo, cs.Changes(),
			fmt.Sprintf("change ratio %.2f exceeds the rebuild threshold", cs.ChangeRatio()),
			"the next sync rebuilds the whole index")
	}
	return out
}
