package index

import (
	"context"
	"log/slog"
	"time"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/store"
)

// DefaultAddBatchSize bounds how many records go into one Add call.
const DefaultAddBatchSize = 100

// Mutator turns change sets into store calls.
//
// The store has no update, so a modified record is a Delete followed by an
// Add. Between the two the record is missing from search results.
type Mutator struct {
	store     store.IndexStore
	logger    *slog.Logger
	batchSize int
	restore   kberrors.RetryConfig
}

// NewMutator creates a mutator. restore bounds re-insertion of operator
// records after a full rebuild wipe.
func NewMutator(st store.IndexStore, restore kberrors.RetryConfig, logger *slog.Logger) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{store: st, logger: logger, batchSize: DefaultAddBatchSize, restore: restore}
}

// opTally counts store calls and keeps the first failure.
type opTally struct {
	total, failed int
	first         error
}

func (t *opTally) record(err error) bool {
	t.total++
	if err == nil {
		return true
	}
	t.failed++
	if t.first == nil {
		t.first = err
	}
	return false
}

func (t *opTally) err() error {
	if t.failed == 0 {
		return nil
	}
	return kberrors.PartialWrite(t.failed, t.total, t.first)
}

// ApplyIncremental deletes, then adds, then replaces modified records.
//
// Every step is safe to repeat: added ids are purged before they are added,
// so a cycle that failed after its adds can be reapplied without duplicate
// id errors. Failed operations do not stop the rest; the returned
// PartialWrite error counts them.
func (m *Mutator) ApplyIncremental(ctx context.Context, cs *ChangeSet) error {
	var t opTally

	if len(cs.Deleted) > 0 {
		if !t.record(m.store.Delete(ctx, cs.Deleted)) {
			m.logger.Warn("failed to delete records", slog.Int("count", len(cs.Deleted)), slog.String("error", t.first.Error()))
		}
	}

	if len(cs.Added) > 0 {
		if t.record(m.store.Delete(ctx, recordIDs(cs.Added))) {
			m.addBatches(ctx, cs.Added, &t)
		} else {
			m.logger.Warn("failed to purge ids before add", slog.Int("count", len(cs.Added)))
		}
	}

	for _, rec := range cs.Modified {
		if !t.record(m.store.Delete(ctx, []string{rec.ID})) {
			m.logger.Warn("failed to delete modified record", slog.String("id", rec.ID))
			continue
		}
		if !t.record(m.store.Add(ctx, []*knowledge.Record{rec})) {
			m.logger.Warn("failed to re-add modified record", slog.String("id", rec.ID))
		}
	}

	return t.err()
}

func (m *Mutator) addBatches(ctx context.Context, recs []*knowledge.Record, t *opTally) {
	for start := 0; start < len(recs); start += m.batchSize {
		end := min(start+m.batchSize, len(recs))
		if !t.record(m.store.Add(ctx, recs[start:end])) {
			m.logger.Warn("failed to add record batch",
				slog.Int("offset", start),
				slog.Int("count", end-start))
		}
	}
}

// FullRebuild wipes the store and rebuilds it from records, then puts back
// the operator records captured by guard.
//
// Snapshot ids that collide with an operator record are skipped so the
// operator version is the one restored. Restoration runs even when the wipe
// or the bulk add failed. Losing an operator record is irreversible, so its
// failure is reported as RebuildDataLoss instead of PartialWrite.
func (m *Mutator) FullRebuild(ctx context.Context, guard *Guard, records []*knowledge.Record) error {
	protected := guard.Snapshot()
	var t opTally

	if ids := guard.StoredIDs(); len(ids) > 0 {
		if !t.record(m.store.Delete(ctx, ids)) {
			m.logger.Warn("failed to wipe index", slog.Int("count", len(ids)), slog.String("error", t.first.Error()))
		}
	}

	imported := make([]*knowledge.Record, 0, len(records))
	for _, rec := range records {
		if !guard.IsProtected(rec.ID) {
			imported = append(imported, rec)
		}
	}
	if t.failed == 0 {
		m.addBatches(ctx, imported, &t)
	}

	if err := m.restoreProtected(ctx, protected); err != nil {
		return err
	}
	return t.err()
}

func (m *Mutator) restoreProtected(ctx context.Context, protected []*knowledge.Record) error {
	if len(protected) == 0 {
		return nil
	}
	ids := recordIDs(protected)

	cfg := m.restore
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.logger.Warn("retrying operator record restore",
			slog.Int("attempt", attempt),
			slog.Int("records", len(ids)),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}

	err := kberrors.Retry(ctx, cfg, func() error {
		// A failed attempt may have stored part of the batch.
		if err := m.store.Delete(ctx, ids); err != nil {
			return err
		}
		return m.store.Add(ctx, protected)
	})
	if err != nil {
		return kberrors.RebuildDataLoss(ids, err)
	}
	m.logger.Info("operator records restored", slog.Int("count", len(ids)))
	return nil
}

func recordIDs(recs []*knowledge.Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}
