package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/source"
	"github.com/drukkhua/druk-helper-sub000/internal/store"
)

// DefaultFullRebuildThreshold is the change ratio above which a cycle
// rebuilds the whole index.
const DefaultFullRebuildThreshold = 0.5

// State is the orchestrator's position in a cycle.
type State int32

const (
	StateIdle State = iota
	StateAnalyzing
	StateNoopComplete
	StateIncrementalApplying
	StateFullRebuilding
	StatePersisting
	StateFailed
	// StateOperatorWrite holds the index for an overlay edit.
	StateOperatorWrite
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnalyzing:
		return "analyzing"
	case StateNoopComplete:
		return "noop_complete"
	case StateIncrementalApplying:
		return "incremental_applying"
	case StateFullRebuilding:
		return "full_rebuilding"
	case StatePersisting:
		return "persisting"
	case StateFailed:
		return "failed"
	case StateOperatorWrite:
		return "operator_write"
	default:
		return "unknown"
	}
}

// Active reports whether the state holds the index.
func (s State) Active() bool {
	return s != StateIdle && s != StateFailed
}

// Alerter receives conditions that need an operator, such as operator
// records lost during a full rebuild.
type Alerter interface {
	Alert(ctx context.Context, err error)
}

// LogAlerter writes alerts to a logger at error level.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert logs err with its structured fields.
func (a LogAlerter) Alert(_ context.Context, err error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := append([]slog.Attr{slog.Bool("alert", true)}, kberrors.LogAttrs(err)...)
	logger.LogAttrs(context.Background(), slog.LevelError, "operator attention required", attrs...)
}

// Options configures an Orchestrator.
type Options struct {
	Source  source.Provider
	Store   store.IndexStore
	DataDir string

	// Threshold is the full rebuild change ratio. Zero means the default.
	Threshold   float64
	Identity    knowledge.IdentityOptions
	Restore     kberrors.RetryConfig
	HistorySize int

	Alerter Alerter
	Logger  *slog.Logger
	Now     func() time.Time
}

// SyncOptions tunes one cycle.
type SyncOptions struct {
	// ForceFullRebuild skips strategy selection.
	ForceFullRebuild bool
}

// SyncResult describes a finished cycle.
type SyncResult struct {
	Success     bool          `json:"success"`
	Strategy    Strategy      `json:"strategy,omitempty"`
	Added       int           `json:"added"`
	Modified    int           `json:"modified"`
	Deleted     int           `json:"deleted"`
	Preserved   int           `json:"preserved"`
	Unchanged   int           `json:"unchanged"`
	Rejected    int           `json:"rejected"`
	Duplicates  int           `json:"duplicates"`
	ChangeRatio float64       `json:"change_ratio"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"duration_ms"`
	Error       string        `json:"error,omitempty"`
}

// Orchestrator runs sync cycles and operator edits against one index.
//
// Only one cycle or edit runs at a time. The in-process state token rejects
// callers inside this process and a file lock rejects other processes; a
// rejected call returns ConcurrentSync immediately instead of waiting.
type Orchestrator struct {
	state atomic.Int32

	source    source.Provider
	store     store.IndexStore
	dataDir   string
	threshold float64
	identity  knowledge.IdentityOptions
	cache     *CacheFile
	history   *History
	mutator   *Mutator
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time

	// beforePersist runs between apply and cache persistence.
	beforePersist func() error
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("index store is required")
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultFullRebuildThreshold
	}
	restore := opts.Restore
	if restore.InitialDelay == 0 && restore.MaxRetries == 0 {
		restore = kberrors.DefaultRetryConfig()
	}
	alerter := opts.Alerter
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		source:    opts.Source,
		store:     opts.Store,
		dataDir:   opts.DataDir,
		threshold: threshold,
		identity:  opts.Identity,
		cache:     NewCacheFile(opts.DataDir),
		history:   NewHistory(opts.DataDir, opts.HistorySize),
		mutator:   NewMutator(opts.Store, restore, logger),
		alerter:   alerter,
		logger:    logger,
		now:       now,
	}, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// acquire takes the state token and the file lock. release returns the
// token in the given final state.
func (o *Orchestrator) acquire(initial State) (release func(final State), err error) {
	var prev State
	for {
		prev = o.State()
		if prev.Active() {
			return nil, kberrors.ConcurrentSync(prev.String())
		}
		if o.state.CompareAndSwap(int32(prev), int32(initial)) {
			break
		}
	}

	lock := NewSyncLock(o.dataDir)
	ok, err := lock.TryLock()
	if err != nil {
		o.setState(prev)
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "failed to acquire sync lock", err)
	}
	if !ok {
		o.setState(prev)
		return nil, kberrors.ConcurrentSync(lock.Path())
	}

	return func(final State) {
		if err := lock.Unlock(); err != nil {
			o.logger.Warn("failed to release sync lock", slog.String("error", err.Error()))
		}
		o.setState(final)
	}, nil
}

// Sync runs one cycle. It ignores cancellation of ctx once started: a cycle
// stopped between its mutations and persisting would leave the cache out
// of step with the store.
//
// A failed cycle leaves the cache as it was, so the next cycle computes and
// applies the same changes again.
func (o *Orchestrator) Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	if o.source == nil {
		return nil, kberrors.ConfigError("no source configured", nil)
	}
	release, err := o.acquire(StateAnalyzing)
	if err != nil {
		o.logger.Info("sync rejected", slog.String("reason", err.Error()))
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	start := o.now()
	o.logger.Info("sync started", slog.Bool("force_full_rebuild", opts.ForceFullRebuild))

	res, err := o.runCycle(ctx, opts)
	res.Duration = o.now().Sub(start)
	res.DurationMs = res.Duration.Milliseconds()

	final := StateIdle
	if err != nil {
		final = StateFailed
		res.Error = err.Error()
		if kberrors.IsFatal(err) {
			o.alerter.Alert(ctx, err)
		}
		attrs := append([]slog.Attr{slog.String("strategy", string(res.Strategy))}, kberrors.LogAttrs(err)...)
		o.logger.LogAttrs(ctx, slog.LevelError, "sync failed", attrs...)
	} else {
		o.logger.Info("sync completed",
			slog.String("strategy", string(res.Strategy)),
			slog.Int("added", res.Added),
			slog.Int("modified", res.Modified),
			slog.Int("deleted", res.Deleted),
			slog.Int("preserved", res.Preserved),
			slog.Int("unchanged", res.Unchanged),
			slog.Duration("duration", res.Duration))
	}

	if herr := o.history.Append(historyEntry(start, res, err)); herr != nil {
		o.logger.Warn("failed to record sync history", slog.String("error", herr.Error()))
	}
	release(final)
	return res, err
}

func (o *Orchestrator) runCycle(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	res := &SyncResult{}

	p, err := o.plan(ctx)
	if err != nil {
		return res, err
	}
	cs := p.changes
	res.Rejected = len(p.snapshot.Rejected)
	res.Duplicates = p.snapshot.Duplicates
	res.Added = len(cs.Added)
	res.Modified = len(cs.Modified)
	res.Deleted = len(cs.Deleted)
	res.Preserved = len(cs.Preserved)
	res.Unchanged = cs.Unchanged
	res.ChangeRatio = cs.ChangeRatio()
	res.Strategy = ChooseStrategy(cs, o.threshold, opts.ForceFullRebuild)

	o.logger.Debug("change set computed",
		slog.String("strategy", string(res.Strategy)),
		slog.Float64("change_ratio", res.ChangeRatio),
		slog.Float64("threshold", o.threshold))

	switch res.Strategy {
	case StrategyNoop:
		o.setState(StateNoopComplete)
	case StrategyIncremental:
		o.setState(StateIncrementalApplying)
		err = o.mutator.ApplyIncremental(ctx, cs)
	case StrategyFullRebuild:
		o.setState(StateFullRebuilding)
		err = o.mutator.FullRebuild(ctx, p.guard, p.snapshot.Records)
	}
	if err != nil {
		return res, err
	}

	o.setState(StatePersisting)
	if o.beforePersist != nil {
		if err := o.beforePersist(); err != nil {
			return res, err
		}
	}
	if err := o.cache.Save(p.cache.Next(p.snapshot.Records, o.now())); err != nil {
		return res, err
	}
	res.Success = true
	return res, nil
}

// plan is the read-only half of a cycle.
type plan struct {
	snapshot *knowledge.Snapshot
	cache    *Cache
	guard    *Guard
	changes  *ChangeSet
	// cacheCorrupt is set when an unreadable cache was replaced by an empty one.
	cacheCorrupt bool
}

func (o *Orchestrator) plan(ctx context.Context) (*plan, error) {
	rows, err := o.source.Fetch(ctx)
	if err != nil {
		return nil, kberrors.SourceUnavailable("failed to fetch source snapshot", err)
	}

	snap := knowledge.Build(rows, o.identity, o.now())
	for _, rej := range snap.Rejected {
		o.logger.Debug("row rejected",
			slog.String("file", rej.Row.File),
			slog.Int("line", rej.Row.Line),
			slog.String("reason", rej.Reason))
	}
	if len(snap.Rejected) > 0 {
		o.logger.Warn("source rows rejected", slog.Int("count", len(snap.Rejected)))
	}
	if len(snap.Records) == 0 {
		return nil, kberrors.SourceUnavailable("source snapshot has no valid records", nil).
			WithDetail("rows", fmt.Sprint(len(rows))).
			WithDetail("rejected", fmt.Sprint(len(snap.Rejected)))
	}

	p := &plan{snapshot: snap}
	p.cache, err = o.cache.Load()
	if err != nil {
		if kberrors.GetCode(err) != kberrors.ErrCodeCacheCorrupt {
			return nil, err
		}
		// Treat as first run; operator records survive the resulting rebuild.
		o.logger.Warn("fingerprint cache unreadable, starting from empty", slog.String("error", err.Error()))
		p.cache = NewCache()
		p.cacheCorrupt = true
	}

	p.guard, err = NewGuard(ctx, o.store)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "failed to read index", err)
	}
	p.changes = Detect(snap.Records, p.cache)
	p.guard.Apply(p.changes)
	return p, nil
}

func historyEntry(start time.Time, res *SyncResult, err error) HistoryEntry {
	e := HistoryEntry{
		Time:       start,
		Success:    res.Success,
		Strategy:   res.Strategy,
		Added:      res.Added,
		Modified:   res.Modified,
		Deleted:    res.Deleted,
		Preserved:  res.Preserved,
		Unchanged:  res.Unchanged,
		Rejected:   res.Rejected,
		DurationMs: res.DurationMs,
	}
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = kberrors.GetCode(err)
	}
	return e
}

// Status summarizes the last cycle. It reads persisted history, so it
// survives restarts.
type Status struct {
	State           string     `json:"state"`
	LastSyncTime    *time.Time `json:"last_sync_time,omitempty"`
	LastSyncSuccess bool       `json:"last_sync_success"`
	LastChangeCount int        `json:"last_change_count"`
	LastStrategy    Strategy   `json:"last_strategy,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CachedRecords   int        `json:"cached_records"`
	Syncs           int        `json:"syncs"`
}

// Status returns the current state and the outcome of the last cycle.
func (o *Orchestrator) Status() *Status {
	st := &Status{State: o.State().String(), Syncs: len(o.history.Entries())}
	if last, ok := o.history.Last(); ok {
		t := last.Time
		st.LastSyncTime = &t
		st.LastSyncSuccess = last.Success
		st.LastChangeCount = last.ChangeCount()
		st.LastStrategy = last.Strategy
		st.LastError = last.Error
	}
	if c, err := o.cache.Load(); err == nil {
		st.CachedRecords = len(c.Entries)
	}
	return st
}

// History returns the stored cycle results, oldest first.
func (o *Orchestrator) History() []HistoryEntry {
	return o.history.Entries()
}

// AddOperatorRecord stores rec as a new operator addition under a fresh id.
// Sync never deletes or overwrites it.
func (o *Orchestrator) AddOperatorRecord(ctx context.Context, rec *knowledge.Record) (*knowledge.Record, error) {
	rec = rec.Clone()
	rec.ID = "operator_" + uuid.NewString()
	rec.Origin = knowledge.OriginOperatorAddition
	if err := knowledge.PrepareOperatorRecord(rec, o.now()); err != nil {
		return nil, kberrors.ValidationError("invalid operator record", err)
	}

	release, err := o.acquire(StateOperatorWrite)
	if err != nil {
		return nil, err
	}
	defer release(StateIdle)

	if err := o.store.Add(ctx, []*knowledge.Record{rec}); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "failed to store operator record", err)
	}
	o.logger.Info("operator record added", slog.String("id", rec.ID), slog.String("category", rec.Category))
	return rec, nil
}

// CorrectRecord replaces the stored record with rec.ID by rec, marked as an
// operator correction. Later source edits of that id are preserved instead
// of applied.
func (o *Orchestrator) CorrectRecord(ctx context.Context, rec *knowledge.Record) (*knowledge.Record, error) {
	rec = rec.Clone()
	if rec.Origin != knowledge.OriginOperatorAddition {
		rec.Origin = knowledge.OriginOperatorCorrection
	}
	if err := knowledge.PrepareOperatorRecord(rec, o.now()); err != nil {
		return nil, kberrors.ValidationError("invalid correction", err)
	}

	release, err := o.acquire(StateOperatorWrite)
	if err != nil {
		return nil, err
	}
	defer release(StateIdle)

	existing, err := o.store.Get(ctx, []string{rec.ID})
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "failed to read record", err)
	}
	if len(existing) == 0 {
		return nil, kberrors.New(kberrors.ErrCodeRecordNotFound, "no record with id "+rec.ID, nil)
	}
	// An addition stays an addition when corrected.
	if existing[0].Origin == knowledge.OriginOperatorAddition {
		rec.Origin = knowledge.OriginOperatorAddition
	}

	if err := o.store.Delete(ctx, []string{rec.ID}); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "failed to replace record", err)
	}
	if err := o.store.Add(ctx, []*knowledge.Record{rec}); err != nil {
		if rerr := o.store.Add(ctx, existing); rerr != nil {
			o.logger.Error("failed to put back record after failed correction",
				slog.String("id", rec.ID), slog.String("error", rerr.Error()))
		}
		return nil, kberrors.New(kberrors.ErrCodeStoreIO, "failed to store correction", err)
	}
	o.logger.Info("record corrected", slog.String("id", rec.ID), slog.String("origin", string(rec.Origin)))
	return rec, nil
}

// RemoveOperatorRecord deletes an operator record. For a correction the id
// is also dropped from the cache, so the next sync restores the source
// version.
func (o *Orchestrator) RemoveOperatorRecord(ctx context.Context, id string) error {
	release, err := o.acquire(StateOperatorWrite)
	if err != nil {
		return err
	}
	defer release(StateIdle)

	existing, err := o.store.Get(ctx, []string{id})
	if err != nil {
		return kberrors.New(kberrors.ErrCodeStoreIO, "failed to read record", err)
	}
	if len(existing) == 0 {
		return kberrors.New(kberrors.ErrCodeRecordNotFound, "no record with id "+id, nil)
	}
	if !existing[0].Origin.Protected() {
		return kberrors.ValidationError("record "+id+" is not an operator record", nil)
	}

	// Evict first. A record missing from the cache is re-added on the next
	// sync, a cache entry without a record would be reported as unchanged.
	if err := o.forget(id); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, []string{id}); err != nil {
		return kberrors.New(kberrors.ErrCodeStoreIO, "failed to delete record", err)
	}
	o.logger.Info("operator record removed", slog.String("id", id))
	return nil
}

// forget drops ids from the persisted cache.
func (o *Orchestrator) forget(ids ...string) error {
	c, err := o.cache.Load()
	if err != nil {
		return err
	}
	changed := false
	for _, id := range ids {
		if _, ok := c.Entries[id]; ok {
			delete(c.Entries, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	c.UpdatedAt = o.now()
	return o.cache.Save(c)
}

// OperatorRecords lists the protected records in the store.
func (o *Orchestrator) OperatorRecords(ctx context.Context) ([]*knowledge.Record, error) {
	guard, err := NewGuard(ctx, o.store)
	if err != nil {
		return nil, err
	}
	return guard.Snapshot(), nil
}
