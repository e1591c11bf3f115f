package index

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/drukkhua/druk-helper-sub000/internal/store"
)

// InconsistencyType categorizes detected issues.
type InconsistencyType int

const (
	// InconsistencyMissing is a cached id with no record in the store.
	InconsistencyMissing InconsistencyType = iota
	// InconsistencyOrphan is an imported record the cache does not know.
	InconsistencyOrphan
	// InconsistencyStale is a record whose fingerprint differs from the cache.
	InconsistencyStale
)

// String returns a human-readable description of the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyMissing:
		return "missing"
	case InconsistencyOrphan:
		return "orphan"
	case InconsistencyStale:
		return "stale"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type by name.
func (t InconsistencyType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Inconsistency is one disagreement between the cache and the store.
type Inconsistency struct {
	Type     InconsistencyType `json:"type"`
	RecordID string            `json:"record_id"`
	Details  string            `json:"details"`
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	// Checked is the number of ids compared.
	Checked int `json:"checked"`
	// Inconsistencies contains all detected issues.
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	// Duration is how long the check took.
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
}

// Consistent reports whether no issue was found.
func (r *CheckResult) Consistent() bool {
	return len(r.Inconsistencies) == 0
}

// ConsistencyChecker compares the fingerprint cache with the store.
//
// Operator records are ignored: the cache describes only what sync applied.
// An operator correction shares its id with a cached entry and is expected
// to differ from it.
type ConsistencyChecker struct {
	store  store.IndexStore
	cache  *CacheFile
	logger *slog.Logger
}

// NewConsistencyChecker creates a checker.
func NewConsistencyChecker(st store.IndexStore, cache *CacheFile, logger *slog.Logger) *ConsistencyChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyChecker{store: st, cache: cache, logger: logger}
}

// Check reads the cache and the whole store once.
func (c *ConsistencyChecker) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()

	cache, err := c.cache.Load()
	if err != nil {
		return nil, err
	}
	records, err := c.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var issues []Inconsistency
	stored := make(map[string]bool, len(records))
	for _, rec := range records {
		stored[rec.ID] = true
		if rec.Origin.Protected() {
			continue
		}
		entry, ok := cache.Entries[rec.ID]
		switch {
		case !ok:
			issues = append(issues, Inconsistency{
				Type:     InconsistencyOrphan,
				RecordID: rec.ID,
				Details:  "imported record not in fingerprint cache",
			})
		case entry.Fingerprint != rec.Fingerprint:
			issues = append(issues, Inconsistency{
				Type:     InconsistencyStale,
				RecordID: rec.ID,
				Details:  "stored fingerprint differs from cache",
			})
		}
	}

	for id := range cache.Entries {
		if !stored[id] {
			issues = append(issues, Inconsistency{
				Type:     InconsistencyMissing,
				RecordID: id,
				Details:  "cached record missing from index",
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Type != issues[j].Type {
			return issues[i].Type < issues[j].Type
		}
		return issues[i].RecordID < issues[j].RecordID
	})

	checked := len(cache.Entries)
	for _, rec := range records {
		if _, ok := cache.Entries[rec.ID]; !ok && !rec.Origin.Protected() {
			checked++
		}
	}
	elapsed := time.Since(start)
	return &CheckResult{
		Checked:         checked,
		Inconsistencies: issues,
		Duration:        elapsed,
		DurationMs:      elapsed.Milliseconds(),
	}, nil
}

// repairPlan splits issues into store deletions and cache evictions.
// Orphans are deleted from the store. Missing and stale ids are evicted from
// the cache, so the next sync sees them as added and writes them again.
func repairPlan(issues []Inconsistency) (deleteIDs, forgetIDs []string) {
	for _, issue := range issues {
		switch issue.Type {
		case InconsistencyOrphan:
			deleteIDs = append(deleteIDs, issue.RecordID)
		case InconsistencyMissing, InconsistencyStale:
			forgetIDs = append(forgetIDs, issue.RecordID)
		}
	}
	return deleteIDs, forgetIDs
}

// QuickCheck compares counts only: cached ids against imported records.
func (c *ConsistencyChecker) QuickCheck(ctx context.Context) (bool, error) {
	cache, err := c.cache.Load()
	if err != nil {
		return false, err
	}
	records, err := c.store.GetAll(ctx)
	if err != nil {
		return false, err
	}
	imported := 0
	for _, rec := range records {
		if !rec.Origin.Protected() {
			imported++
		}
	}
	consistent := imported == len(cache.Entries)
	if !consistent {
		c.logger.Debug("index counts mismatch",
			slog.Int("cached", len(cache.Entries)),
			slog.Int("imported", imported))
	}
	return consistent, nil
}

// CheckConsistency compares the cache with the store.
func (o *Orchestrator) CheckConsistency(ctx context.Context) (*CheckResult, error) {
	return NewConsistencyChecker(o.store, o.cache, o.logger).Check(ctx)
}

// QuickCheck reports whether the cache and the store hold the same number
// of imported records.
func (o *Orchestrator) QuickCheck(ctx context.Context) (bool, error) {
	return NewConsistencyChecker(o.store, o.cache, o.logger).QuickCheck(ctx)
}

// RepairConsistency fixes issues under the sync lock. Orphans are deleted
// now; missing and stale records are rewritten by the next sync.
func (o *Orchestrator) RepairConsistency(ctx context.Context, issues []Inconsistency) error {
	deleteIDs, forgetIDs := repairPlan(issues)
	if len(deleteIDs) == 0 && len(forgetIDs) == 0 {
		return nil
	}

	release, err := o.acquire(StateOperatorWrite)
	if err != nil {
		return err
	}
	defer release(StateIdle)

	if len(deleteIDs) > 0 {
		if err := o.store.Delete(ctx, deleteIDs); err != nil {
			return err
		}
		o.logger.Info("deleted orphan records", slog.Int("count", len(deleteIDs)))
	}
	if len(forgetIDs) > 0 {
		if err := o.forget(forgetIDs...); err != nil {
			return err
		}
		o.logger.Info("evicted cache entries, run sync to rewrite them", slog.Int("count", len(forgetIDs)))
	}
	return nil
}
