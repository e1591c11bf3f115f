// Package telemetry records how the knowledge base is queried.
//
// Everything stays in the local index database. The main output is the list
// of knowledge gaps: questions that found no answer, or only a weak one,
// grouped by a normalized pattern so operators can see which content to add.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

// Mode is which retrieval passes contributed to a query.
type Mode string

const (
	ModeHybrid      Mode = "hybrid"
	ModeKeywordOnly Mode = "keyword_only"
	ModeVectorOnly  Mode = "vector_only"
)

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketUnder10ms  LatencyBucket = "lt_10ms"
	BucketUnder50ms  LatencyBucket = "lt_50ms"
	BucketUnder100ms LatencyBucket = "lt_100ms"
	BucketUnder500ms LatencyBucket = "lt_500ms"
	BucketSlow       LatencyBucket = "ge_500ms"
)

// Buckets lists the latency buckets in ascending order.
var Buckets = []LatencyBucket{BucketUnder10ms, BucketUnder50ms, BucketUnder100ms, BucketUnder500ms, BucketSlow}

// BucketFor maps a latency onto its bucket.
func BucketFor(d time.Duration) LatencyBucket {
	switch ms := d.Milliseconds(); {
	case ms < 10:
		return BucketUnder10ms
	case ms < 50:
		return BucketUnder50ms
	case ms < 100:
		return BucketUnder100ms
	case ms < 500:
		return BucketUnder500ms
	default:
		return BucketSlow
	}
}

// QueryEvent is one answered query.
type QueryEvent struct {
	Query    string
	Language knowledge.Language
	Mode     Mode
	Results  int
	// TopScore is the combined score of the best hit.
	TopScore float64
	Latency  time.Duration
	Time     time.Time
}

// Gap is a question the knowledge base answered poorly.
type Gap struct {
	Pattern  string             `json:"pattern"`
	Example  string             `json:"example"`
	Language knowledge.Language `json:"language"`
	Count    int64              `json:"count"`
	LastSeen time.Time          `json:"last_seen"`
}

// TermCount is a query term and how often it was asked.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

const minTermRunes = 3

// Terms returns the letter-folded words of query that are long enough to
// say something about its topic.
func Terms(query string) []string {
	var terms []string
	for _, tok := range knowledge.Tokenize(query) {
		if utf8.RuneCountInString(tok) >= minTermRunes {
			terms = append(terms, tok)
		}
	}
	return terms
}

// Pattern normalizes query for grouping gaps: folded lowercase words with
// every number replaced by "#".
func Pattern(query string) string {
	toks := knowledge.Tokenize(query)
	for i, tok := range toks {
		if strings.IndexFunc(tok, unicode.IsDigit) >= 0 {
			toks[i] = "#"
		}
	}
	return strings.Join(toks, " ")
}

// Ring is a fixed-capacity FIFO that evicts its oldest item when full.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// NewRing creates a ring holding up to capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Add appends item, evicting the oldest when full.
func (r *Ring[T]) Add(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// Items returns the items oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.size)
	start := (r.head - r.size + len(r.items)) % len(r.items)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.size }

// Reset empties the ring.
func (r *Ring[T]) Reset() {
	clear(r.items)
	r.head, r.size = 0, 0
}

// Store persists aggregated query telemetry.
type Store interface {
	AddModeCounts(ctx context.Context, date string, counts map[Mode]int64) error
	AddLatencyCounts(ctx context.Context, date string, counts map[LatencyBucket]int64) error
	AddTermCounts(ctx context.Context, counts map[string]int64, seen time.Time) error
	AddGaps(ctx context.Context, gaps []Gap) error
}

// Config tunes a Recorder.
type Config struct {
	// GapScore is the best-hit score below which a query counts as a gap.
	GapScore float64
	// MaxTerms bounds the distinct terms held between flushes.
	MaxTerms int
	// MaxGaps bounds the gaps held between flushes.
	MaxGaps int
	// FlushInterval enables periodic flushing. Zero flushes only on Flush
	// and Close.
	FlushInterval time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		GapScore: 0.3,
		MaxTerms: 500,
		MaxGaps:  100,
	}
}

// Summary describes what a Recorder saw since it was created.
type Summary struct {
	Queries    int64          `json:"queries"`
	Gaps       int64          `json:"gaps"`
	Repeats    int64          `json:"repeats"`
	Modes      map[Mode]int64 `json:"modes"`
	RecentGaps []Gap          `json:"recent_gaps"`
	Since      time.Time      `json:"since"`
}

// GapRate is the share of queries that were gaps.
func (s *Summary) GapRate() float64 {
	if s.Queries == 0 {
		return 0
	}
	return float64(s.Gaps) / float64(s.Queries)
}

// Recorder aggregates query events in memory and writes them to a Store.
// Record does no I/O. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	store  Store
	cfg    Config
	closed bool

	// pending since the last flush
	modes     map[Mode]int64
	latencies map[LatencyBucket]int64
	terms     *lru.Cache[string, int64]
	gaps      *Ring[Gap]

	// totals since creation
	queries int64
	gapped  int64
	repeats int64
	allMode map[Mode]int64
	seen    *lru.Cache[string, struct{}]
	since   time.Time

	stop chan struct{}
	done chan struct{}
}

// NewRecorder creates a recorder. A nil store keeps everything in memory.
func NewRecorder(store Store, cfg Config) *Recorder {
	def := DefaultConfig()
	if cfg.GapScore < 0 {
		cfg.GapScore = def.GapScore
	}
	if cfg.MaxTerms <= 0 {
		cfg.MaxTerms = def.MaxTerms
	}
	if cfg.MaxGaps <= 0 {
		cfg.MaxGaps = def.MaxGaps
	}
	terms, _ := lru.New[string, int64](cfg.MaxTerms)
	seen, _ := lru.New[string, struct{}](cfg.MaxTerms)

	r := &Recorder{
		store:     store,
		cfg:       cfg,
		modes:     make(map[Mode]int64),
		latencies: make(map[LatencyBucket]int64),
		terms:     terms,
		gaps:      NewRing[Gap](cfg.MaxGaps),
		allMode:   make(map[Mode]int64),
		seen:      seen,
		since:     time.Now(),
	}
	if cfg.FlushInterval > 0 && store != nil {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.flushLoop(cfg.FlushInterval)
	}
	return r
}

func (r *Recorder) flushLoop(every time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = r.Flush(context.Background())
		case <-r.stop:
			return
		}
	}
}

// IsGap reports whether e is a poorly answered query.
func (r *Recorder) IsGap(e QueryEvent) bool {
	return e.Results == 0 || e.TopScore < r.cfg.GapScore
}

// Record adds one query.
func (r *Recorder) Record(e QueryEvent) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.queries++
	r.modes[e.Mode]++
	r.allMode[e.Mode]++
	r.latencies[BucketFor(e.Latency)]++
	for _, term := range Terms(e.Query) {
		n, _ := r.terms.Get(term)
		r.terms.Add(term, n+1)
	}

	key := queryKey(e.Query)
	if _, ok := r.seen.Get(key); ok {
		r.repeats++
	}
	r.seen.Add(key, struct{}{})

	if r.IsGap(e) {
		r.gapped++
		r.gaps.Add(Gap{
			Pattern:  Pattern(e.Query),
			Example:  strings.TrimSpace(e.Query),
			Language: e.Language,
			Count:    1,
			LastSeen: e.Time,
		})
	}
}

func queryKey(query string) string {
	sum := sha256.Sum256([]byte(Pattern(query)))
	return hex.EncodeToString(sum[:16])
}

// Summary returns totals since the recorder was created.
func (r *Recorder) Summary() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	modes := make(map[Mode]int64, len(r.allMode))
	for m, n := range r.allMode {
		modes[m] = n
	}
	return &Summary{
		Queries:    r.queries,
		Gaps:       r.gapped,
		Repeats:    r.repeats,
		Modes:      modes,
		RecentGaps: r.gaps.Items(),
		Since:      r.since,
	}
}

// Flush writes everything recorded since the last flush. On error the
// parts not yet written are kept for the next attempt.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.modes) == 0 && len(r.latencies) == 0 && r.terms.Len() == 0 && r.gaps.Len() == 0 {
		return nil
	}
	now := time.Now()
	date := now.Format(time.DateOnly)

	terms := make(map[string]int64, r.terms.Len())
	for _, t := range r.terms.Keys() {
		if n, ok := r.terms.Peek(t); ok {
			terms[t] = n
		}
	}

	if err := r.store.AddModeCounts(ctx, date, r.modes); err != nil {
		return err
	}
	clear(r.modes)
	if err := r.store.AddLatencyCounts(ctx, date, r.latencies); err != nil {
		return err
	}
	clear(r.latencies)
	if err := r.store.AddTermCounts(ctx, terms, now); err != nil {
		return err
	}
	r.terms.Purge()
	if err := r.store.AddGaps(ctx, r.gaps.Items()); err != nil {
		return err
	}
	r.gaps.Reset()
	return nil
}

// Close stops periodic flushing and flushes once more.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.stop != nil {
		close(r.stop)
		<-r.done
	}
	return r.Flush(ctx)
}
