package index

import (
	"context"
	"fmt"
	"sort"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/store"
)

// Guard protects operator records from automated sync.
//
// It reads the whole store once when built, so each cycle costs a single
// bulk read instead of one lookup per candidate id.
type Guard struct {
	protected map[string]*knowledge.Record
	all       []string
}

// NewGuard snapshots the store.
func NewGuard(ctx context.Context, st store.IndexStore) (*Guard, error) {
	records, err := st.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read index for overlay guard: %w", err)
	}
	g := &Guard{
		protected: make(map[string]*knowledge.Record),
		all:       make([]string, 0, len(records)),
	}
	for _, rec := range records {
		g.all = append(g.all, rec.ID)
		if rec.Origin.Protected() {
			g.protected[rec.ID] = rec
		}
	}
	return g, nil
}

// IsProtected reports whether id belongs to an operator record.
func (g *Guard) IsProtected(id string) bool {
	_, ok := g.protected[id]
	return ok
}

// Apply moves every change that would touch an operator record into
// Preserved. That covers deletions, and also source edits or re-additions
// of an id an operator has corrected: the operator's version wins.
func (g *Guard) Apply(cs *ChangeSet) {
	if len(g.protected) == 0 {
		return
	}

	var preserved []string
	keep := cs.Deleted[:0]
	for _, id := range cs.Deleted {
		if g.IsProtected(id) {
			preserved = append(preserved, id)
			continue
		}
		keep = append(keep, id)
	}
	cs.Deleted = keep
	cs.preservedMissing += len(preserved)

	cs.Added, preserved = g.filter(cs.Added, preserved)
	cs.Modified, preserved = g.filter(cs.Modified, preserved)

	sort.Strings(preserved)
	cs.Preserved = append(cs.Preserved, preserved...)
}

func (g *Guard) filter(recs []*knowledge.Record, preserved []string) ([]*knowledge.Record, []string) {
	keep := recs[:0]
	for _, rec := range recs {
		if g.IsProtected(rec.ID) {
			preserved = append(preserved, rec.ID)
			continue
		}
		keep = append(keep, rec)
	}
	return keep, preserved
}

// Snapshot returns copies of the protected records, sorted by id.
func (g *Guard) Snapshot() []*knowledge.Record {
	out := make([]*knowledge.Record, 0, len(g.protected))
	for _, rec := range g.protected {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProtectedCount is the number of operator records in the store.
func (g *Guard) ProtectedCount() int {
	return len(g.protected)
}

// StoredIDs returns every id present when the guard was built.
func (g *Guard) StoredIDs() []string {
	return g.all
}
