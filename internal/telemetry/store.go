package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

// DefaultMaxStoredGaps caps the knowledge_gaps table.
const DefaultMaxStoredGaps = 500

// SQLiteStore keeps telemetry in tables next to the index. It does not own
// the database handle.
type SQLiteStore struct {
	db      *sql.DB
	maxGaps int
}

// NewSQLiteStore creates the telemetry tables in db if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := initSchema(ctx, db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, maxGaps: DefaultMaxStoredGaps}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS query_mode_stats (
		date TEXT NOT NULL,
		mode TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, mode)
	);

	CREATE TABLE IF NOT EXISTS query_latency_stats (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);

	CREATE TABLE IF NOT EXISTS query_terms (
		term TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		last_seen TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

	CREATE TABLE IF NOT EXISTS knowledge_gaps (
		pattern TEXT PRIMARY KEY,
		example TEXT NOT NULL,
		language TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		last_seen TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_gaps_seen ON knowledge_gaps(last_seen DESC);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create telemetry schema: %w", err)
	}
	return nil
}

// AddModeCounts adds counts to the day's totals.
func (s *SQLiteStore) AddModeCounts(ctx context.Context, date string, counts map[Mode]int64) error {
	return s.upsertDaily(ctx, `
		INSERT INTO query_mode_stats (date, mode, count) VALUES (?, ?, ?)
		ON CONFLICT(date, mode) DO UPDATE SET count = count + excluded.count`,
		date, stringKeys(counts))
}

// AddLatencyCounts adds counts to the day's histogram.
func (s *SQLiteStore) AddLatencyCounts(ctx context.Context, date string, counts map[LatencyBucket]int64) error {
	return s.upsertDaily(ctx, `
		INSERT INTO query_latency_stats (date, bucket, count) VALUES (?, ?, ?)
		ON CONFLICT(date, bucket) DO UPDATE SET count = count + excluded.count`,
		date, stringKeys(counts))
}

func stringKeys[K ~string](m map[K]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func (s *SQLiteStore) upsertDaily(ctx context.Context, query, date string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, n := range counts {
		if _, err := stmt.ExecContext(ctx, date, key, n); err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// AddTermCounts adds to the all-time term frequencies.
func (s *SQLiteStore) AddTermCounts(ctx context.Context, counts map[string]int64, seen time.Time) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO query_terms (term, count, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(term) DO UPDATE SET
			count = count + excluded.count,
			last_seen = excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	ts := seen.UTC().Format(time.RFC3339)
	for term, n := range counts {
		if _, err := stmt.ExecContext(ctx, term, n, ts); err != nil {
			return fmt.Errorf("upsert term: %w", err)
		}
	}
	return tx.Commit()
}

// AddGaps merges gaps by pattern, keeping the latest example, and trims the
// table to the most recently seen patterns.
func (s *SQLiteStore) AddGaps(ctx context.Context, gaps []Gap) error {
	if len(gaps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO knowledge_gaps (pattern, example, language, count, last_seen) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			example = excluded.example,
			language = excluded.language,
			count = count + excluded.count,
			last_seen = excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, g := range gaps {
		if g.Pattern == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, g.Pattern, g.Example, string(g.Language), g.Count,
			g.LastSeen.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("upsert gap: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM knowledge_gaps WHERE pattern NOT IN (
			SELECT pattern FROM knowledge_gaps ORDER BY last_seen DESC LIMIT ?
		)`, s.maxGaps); err != nil {
		return fmt.Errorf("trim gaps: %w", err)
	}
	return tx.Commit()
}

// Report is persisted telemetry over a range of days.
type Report struct {
	From    string                  `json:"from"`
	To      string                  `json:"to"`
	Queries int64                   `json:"queries"`
	Modes   map[Mode]int64          `json:"modes"`
	Latency map[LatencyBucket]int64 `json:"latency"`
	// TopTerms and Gaps are all-time.
	TopTerms []TermCount `json:"top_terms"`
	Gaps     []Gap       `json:"gaps"`
}

// Report reads the last days days up to now, with up to limit terms and
// gaps. Gaps are ordered by count, then recency.
func (s *SQLiteStore) Report(ctx context.Context, days, limit int, now time.Time) (*Report, error) {
	if days < 1 {
		days = 1
	}
	to := now.Format(time.DateOnly)
	from := now.AddDate(0, 0, -(days - 1)).Format(time.DateOnly)
	r := &Report{From: from, To: to}

	modes, err := s.sumDaily(ctx, `SELECT mode, SUM(count) FROM query_mode_stats WHERE date >= ? AND date <= ? GROUP BY mode`, from, to)
	if err != nil {
		return nil, err
	}
	r.Modes = make(map[Mode]int64, len(modes))
	for m, n := range modes {
		r.Modes[Mode(m)] = n
		r.Queries += n
	}

	lat, err := s.sumDaily(ctx, `SELECT bucket, SUM(count) FROM query_latency_stats WHERE date >= ? AND date <= ? GROUP BY bucket`, from, to)
	if err != nil {
		return nil, err
	}
	r.Latency = make(map[LatencyBucket]int64, len(lat))
	for b, n := range lat {
		r.Latency[LatencyBucket(b)] = n
	}

	if r.TopTerms, err = s.topTerms(ctx, limit); err != nil {
		return nil, err
	}
	if r.Gaps, err = s.gaps(ctx, limit); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) sumDaily(ctx context.Context, query, from, to string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) topTerms(ctx context.Context, limit int) ([]TermCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT term, count FROM query_terms ORDER BY count DESC, term LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	defer rows.Close()

	terms := []TermCount{}
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		terms = append(terms, tc)
	}
	return terms, rows.Err()
}

func (s *SQLiteStore) gaps(ctx context.Context, limit int) ([]Gap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pattern, example, language, count, last_seen FROM knowledge_gaps`)
	if err != nil {
		return nil, fmt.Errorf("query gaps: %w", err)
	}
	defer rows.Close()

	gaps := []Gap{}
	for rows.Next() {
		var (
			g    Gap
			lang string
			seen string
		)
		if err := rows.Scan(&g.Pattern, &g.Example, &lang, &g.Count, &seen); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		g.Language = knowledge.Language(lang)
		g.LastSeen, _ = time.Parse(time.RFC3339Nano, seen)
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Count != gaps[j].Count {
			return gaps[i].Count > gaps[j].Count
		}
		return gaps[i].LastSeen.After(gaps[j].LastSeen)
	})
	if limit > 0 && len(gaps) > limit {
		gaps = gaps[:limit]
	}
	return gaps, nil
}
