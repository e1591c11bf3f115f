package index

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drukkhua/druk-helper-sub000/internal/embed"
	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/logging"
	"github.com/drukkhua/druk-helper-sub000/internal/store"
)

// fakeSource serves a replaceable row snapshot.
type fakeSource struct {
	mu   sync.Mutex
	rows []knowledge.Row
	err  error

	// started and release, when set, block Fetch until release is closed.
	started chan struct{}
	release chan struct{}
}

func (s *fakeSource) Fetch(ctx context.Context) ([]knowledge.Row, error) {
	if s.started != nil {
		close(s.started)
		s.started = nil
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]knowledge.Row, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

func (s *fakeSource) set(rows []knowledge.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = rows
}

// faultyStore wraps a real store and fails selected calls.
type faultyStore struct {
	store.IndexStore

	mu         sync.Mutex
	failAdd    func(recs []*knowledge.Record) error
	failDelete func(ids []string) error
	adds       int
	deletes    int
}

func (f *faultyStore) Add(ctx context.Context, recs []*knowledge.Record) error {
	f.mu.Lock()
	f.adds++
	hook := f.failAdd
	f.mu.Unlock()
	if hook != nil {
		if err := hook(recs); err != nil {
			return err
		}
	}
	return f.IndexStore.Add(ctx, recs)
}

func (f *faultyStore) Delete(ctx context.Context, ids []string) error {
	f.mu.Lock()
	f.deletes++
	hook := f.failDelete
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ids); err != nil {
			return err
		}
	}
	return f.IndexStore.Delete(ctx, ids)
}

func (f *faultyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAdd = nil
	f.failDelete = nil
}

// recordingAlerter keeps every alert.
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []error
}

func (a *recordingAlerter) Alert(_ context.Context, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, err)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type harness struct {
	src     *fakeSource
	store   *faultyStore
	orch    *Orchestrator
	alerter *recordingAlerter
	dataDir string
}

func newHarness(t *testing.T, rows []knowledge.Row) *harness {
	t.Helper()
	ctx := context.Background()

	sqlite, err := store.Open(ctx, store.Options{
		Embedder: embed.NewStaticEmbedder(32),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	h := &harness{
		src:     &fakeSource{rows: rows},
		store:   &faultyStore{IndexStore: sqlite},
		alerter: &recordingAlerter{},
		dataDir: t.TempDir(),
	}
	h.orch = h.newOrchestrator(t)
	return h
}

func (h *harness) newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(Options{
		Source:  h.src,
		Store:   h.store,
		DataDir: h.dataDir,
		Restore: kberrors.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Alerter: h.alerter,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	return orch
}

func (h *harness) all(t *testing.T) []*knowledge.Record {
	t.Helper()
	recs, err := h.store.GetAll(context.Background())
	require.NoError(t, err)
	return recs
}

func (h *harness) byLabel(t *testing.T, label string) *knowledge.Record {
	t.Helper()
	for _, rec := range h.all(t) {
		if rec.Label == label {
			return rec
		}
	}
	t.Fatalf("no record labelled %q", label)
	return nil
}

func (h *harness) mustSync(t *testing.T, opts SyncOptions) *SyncResult {
	t.Helper()
	res, err := h.orch.Sync(context.Background(), opts)
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

// makeRows returns n valid rows labelled "Item 0".."Item n-1".
func makeRows(n int) []knowledge.Row {
	rows := make([]knowledge.Row, n)
	for i := range rows {
		rows[i] = knowledge.Row{
			Category:        "cards",
			Group:           "general",
			Label:           fmt.Sprintf("Item %d", i),
			Keywords:        fmt.Sprintf("keyword%d, друк", i),
			AnswerUkrainian: fmt.Sprintf("Відповідь %d", i),
			AnswerRussian:   fmt.Sprintf("Ответ %d", i),
			RankHint:        fmt.Sprint(i),
			Line:            i + 1,
		}
	}
	return rows
}

func snapshotOf(t *testing.T, rows []knowledge.Row) []*knowledge.Record {
	t.Helper()
	return knowledge.Build(rows, knowledge.DefaultIdentityOptions(), time.Now()).Records
}

type storedState struct {
	ID, Fingerprint, Answer string
	Origin                  knowledge.Origin
}

func stateOf(recs []*knowledge.Record) []storedState {
	out := make([]storedState, len(recs))
	for i, r := range recs {
		out[i] = storedState{ID: r.ID, Fingerprint: r.Fingerprint, Answer: r.Answers.Ukrainian, Origin: r.Origin}
	}
	return out
}
