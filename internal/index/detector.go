// Package index keeps the knowledge index in step with the source snapshot.
//
// A sync cycle fetches the snapshot, compares content fingerprints against
// the persisted cache, protects operator records, and applies the smallest
// set of store mutations that brings the index up to date.
package index

import (
	"sort"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

// Strategy is how a cycle applies its changes.
type Strategy string

const (
	StrategyNoop        Strategy = "noop"
	StrategyIncremental Strategy = "incremental"
	StrategyFullRebuild Strategy = "full_rebuild"
)

// ChangeSet is the difference between a snapshot and the fingerprint cache.
type ChangeSet struct {
	Added    []*knowledge.Record
	Modified []*knowledge.Record
	// Deleted ids are in the cache but not in the snapshot.
	Deleted []string
	// Preserved ids belong to operator records the cycle must not touch.
	Preserved []string
	Unchanged int
	// Total is the number of records in the snapshot.
	Total int

	// preservedMissing counts Preserved ids that are absent from the snapshot.
	preservedMissing int
}

// Changes is the number of records the cycle would mutate.
func (c *ChangeSet) Changes() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted)
}

// ChangeRatio is Changes over every record the cycle considered: the
// snapshot plus the cached ids it no longer contains.
func (c *ChangeSet) ChangeRatio() float64 {
	denom := c.Total + len(c.Deleted) + c.preservedMissing
	if denom == 0 {
		return 0
	}
	return float64(c.Changes()) / float64(denom)
}

// Empty reports whether nothing needs to be applied.
func (c *ChangeSet) Empty() bool {
	return c.Changes() == 0
}

// Detect classifies records against cache by id and fingerprint.
// Deleted comes back sorted; the guard decides which of them survive.
func Detect(records []*knowledge.Record, cache *Cache) *ChangeSet {
	cs := &ChangeSet{Total: len(records)}
	seen := make(map[string]struct{}, len(records))

	for _, rec := range records {
		seen[rec.ID] = struct{}{}
		entry, ok := cache.Entries[rec.ID]
		switch {
		case !ok:
			cs.Added = append(cs.Added, rec)
		case entry.Fingerprint != rec.Fingerprint:
			cs.Modified = append(cs.Modified, rec)
		default:
			cs.Unchanged++
		}
	}

	for id := range cache.Entries {
		if _, ok := seen[id]; !ok {
			cs.Deleted = append(cs.Deleted, id)
		}
	}
	sort.Strings(cs.Deleted)
	return cs
}

// ChooseStrategy maps a change set onto a strategy. A ratio strictly above
// threshold selects a full rebuild.
func ChooseStrategy(cs *ChangeSet, threshold float64, force bool) Strategy {
	switch {
	case force:
		return StrategyFullRebuild
	case cs.Empty():
		return StrategyNoop
	case cs.ChangeRatio() > threshold:
		return StrategyFullRebuild
	default:
		return StrategyIncremental
	}
}
