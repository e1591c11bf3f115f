package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/drukkhua/druk-helper-sub000/internal/embed"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	grp         TEXT NOT NULL DEFAULT '',
	label       TEXT NOT NULL DEFAULT '',
	keywords    TEXT NOT NULL,
	answer_ukr  TEXT NOT NULL DEFAULT '',
	answer_rus  TEXT NOT NULL DEFAULT '',
	rank_hint   INTEGER NOT NULL,
	origin      TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	document    TEXT NOT NULL,
	embedding   BLOB,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_origin ON records(origin);
CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

const recordColumns = `id, category, grp, label, keywords, answer_ukr, answer_rus, rank_hint, origin, fingerprint, updated_at`

// sqliteParamChunk keeps IN (...) lists well under SQLite's variable limit.
const sqliteParamChunk = 500

// Options configures Open.
type Options struct {
	// Path is the database file. Empty opens a private in-memory database.
	Path     string
	Embedder embed.Embedder
	Vector   VectorConfig
	Logger   *slog.Logger
}

// SQLiteStore implements IndexStore and KeywordMatcher.
//
// SQLite is the source of truth. The vector and keyword indexes live in
// memory and are rebuilt from the table on Open, so they can never disagree
// with it across restarts.
type SQLiteStore struct {
	db       *sql.DB
	embedder embed.Embedder
	vectors  *VectorIndex
	keywords *KeywordIndex
	logger   *slog.Logger

	// wmu serializes writers so the three indexes change together.
	wmu    sync.Mutex
	closed bool
}

var _ IndexStore = (*SQLiteStore)(nil)
var _ KeywordMatcher = (*SQLiteStore)(nil)

// Open opens (or creates) the store and loads its in-memory indexes.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("store: embedder is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		dsn = opts.Path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: a single writer, and the in-memory database lives on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if opts.Path != "" {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	vcfg := opts.Vector
	vcfg.Dimensions = opts.Embedder.Dimensions()
	kw, err := NewKeywordIndex()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:       db,
		embedder: opts.Embedder,
		vectors:  NewVectorIndex(vcfg),
		keywords: kw,
		logger:   logger,
	}
	if err := s.load(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// load rebuilds the in-memory indexes, re-embedding every document when
// the stored vectors came from a different model.
func (s *SQLiteStore) load(ctx context.Context) error {
	start := time.Now()
	model := s.embedder.ModelName()

	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'embedding_model'`).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read store metadata: %w", err)
	}
	if stored != model {
		if err := s.reembed(ctx); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO store_meta (key, value) VALUES ('embedding_model', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, model); err != nil {
			return fmt.Errorf("failed to write store metadata: %w", err)
		}
	}

	records, vectors, err := s.scanAll(ctx, true)
	if err != nil {
		return err
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if err := s.vectors.Add(ids, vectors); err != nil {
		return fmt.Errorf("failed to load vectors: %w", err)
	}
	if err := s.keywords.Index(records); err != nil {
		return err
	}

	s.logger.Debug("index store loaded",
		slog.Int("records", len(records)),
		slog.String("model", model),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (s *SQLiteStore) reembed(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document FROM records`)
	if err != nil {
		return fmt.Errorf("failed to read documents: %w", err)
	}
	var ids, docs []string
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
		docs = append(docs, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	vecs, err := s.embedder.EmbedBatch(ctx, docs)
	if err != nil {
		return fmt.Errorf("failed to re-embed documents: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE records SET embedding = ? WHERE id = ?`, encodeVector(vecs[i]), id); err != nil {
			return fmt.Errorf("failed to store embedding for %s: %w", id, err)
		}
	}
	s.logger.Info("documents re-embedded", slog.Int("records", len(ids)), slog.String("model", s.embedder.ModelName()))
	return tx.Commit()
}

// Add inserts records in one transaction. It fails without changes if any
// id is already present.
func (s *SQLiteStore) Add(ctx context.Context, records []*knowledge.Record) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]string, len(records))
	for i, r := range records {
		docs[i] = r.Document()
	}
	vecs, err := s.embedder.EmbedBatch(ctx, docs)
	if err != nil {
		return fmt.Errorf("failed to embed documents: %w", err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records
		(id, category, grp, label, keywords, answer_ukr, answer_rus, rank_hint, origin, fingerprint, updated_at, document, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, len(records))
	for i, r := range records {
		kw, err := json.Marshal(r.Keywords)
		if err != nil {
			return err
		}
		origin := r.Origin
		if origin == "" {
			origin = knowledge.OriginImported
		}
		updated := r.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		_, err = stmt.ExecContext(ctx,
			r.ID, r.Category, r.Group, r.Label, string(kw),
			r.Answers.Ukrainian, r.Answers.Russian, r.RankHint,
			string(origin), r.Fingerprint, updated.UTC().Format(time.RFC3339Nano),
			docs[i], encodeVector(vecs[i]))
		if err != nil {
			if isUniqueViolation(err) {
				return DuplicateIDError{ID: r.ID}
			}
			return fmt.Errorf("failed to insert %s: %w", r.ID, err)
		}
		ids[i] = r.ID
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert: %w", err)
	}

	if err := s.vectors.Add(ids, vecs); err != nil {
		return fmt.Errorf("failed to index vectors: %w", err)
	}
	return s.keywords.Index(records)
}

// Delete removes ids. Missing ids are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, chunk := range chunks(ids, sqliteParamChunk) {
		q := `DELETE FROM records WHERE id IN (` + placeholders(len(chunk)) + `)`
		if _, err := tx.ExecContext(ctx, q, toArgs(chunk)...); err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.vectors.Delete(ids)
	if err := s.keywords.Delete(ids); err != nil {
		return fmt.Errorf("failed to delete keywords: %w", err)
	}

	// A full rebuild orphans the whole graph; rebuild it once it is mostly dead.
	if live, orphans := s.vectors.Len(), s.vectors.Orphans(); orphans > 64 && orphans > live {
		return s.compactLocked(ctx)
	}
	return nil
}

// Compact rebuilds the vector graph from stored embeddings, dropping
// lazily deleted nodes.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.compactLocked(ctx)
}

func (s *SQLiteStore) compactLocked(ctx context.Context) error {
	records, vectors, err := s.scanAll(ctx, true)
	if err != nil {
		return err
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	orphans := s.vectors.Orphans()
	s.vectors.Reset()
	if err := s.vectors.Add(ids, vectors); err != nil {
		return fmt.Errorf("failed to rebuild vectors: %w", err)
	}
	s.logger.Debug("vector graph compacted", slog.Int("records", len(ids)), slog.Int("orphans_dropped", orphans))
	return nil
}

// Get returns the stored records among ids, in id order.
func (s *SQLiteStore) Get(ctx context.Context, ids []string) ([]*knowledge.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*knowledge.Record
	for _, chunk := range chunks(ids, sqliteParamChunk) {
		q := `SELECT ` + recordColumns + ` FROM records WHERE id IN (` + placeholders(len(chunk)) + `) ORDER BY id`
		recs, _, err := s.query(ctx, false, q, toArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	if len(ids) > sqliteParamChunk {
		sortRecords(out)
	}
	return out, nil
}

// GetAll returns every record in id order.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]*knowledge.Record, error) {
	recs, _, err := s.scanAll(ctx, false)
	return recs, err
}

// Query embeds text and returns up to k nearest records.
func (s *SQLiteStore) Query(ctx context.Context, text string, k int) ([]*Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := s.vectors.Search(vec, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	recs, err := s.Get(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*knowledge.Record, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	out := make([]*Candidate, 0, len(hits))
	for _, h := range hits {
		// deleted between the graph search and the read
		if r, ok := byID[h.ID]; ok {
			out = append(out, &Candidate{Record: r, Distance: h.Distance})
		}
	}
	return out, nil
}

// MatchKeywords returns records whose keywords contain any of tokens.
func (s *SQLiteStore) MatchKeywords(ctx context.Context, tokens []string) ([]*knowledge.Record, error) {
	ids, err := s.keywords.Match(ctx, tokens)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return s.Get(ctx, ids)
}

// Stats counts records by category and origin.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByCategory: make(map[string]int),
		ByOrigin:   make(map[knowledge.Origin]int),
		Vectors:    s.vectors.Len(),
		Orphans:    s.vectors.Orphans(),
	}
	rows, err := s.db.QueryContext(ctx, `SELECT category, origin, COUNT(*) FROM records GROUP BY category, origin`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category, origin string
		var n int
		if err := rows.Scan(&category, &origin, &n); err != nil {
			return nil, err
		}
		st.Total += n
		st.ByCategory[category] += n
		st.ByOrigin[knowledge.Origin(origin)] += n
	}
	return st, rows.Err()
}

// DB returns the underlying database so other tables can live next to the
// records. Callers must not close it.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database and indexes.
func (s *SQLiteStore) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	kerr := s.keywords.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return kerr
}

func (s *SQLiteStore) scanAll(ctx context.Context, withVectors bool) ([]*knowledge.Record, [][]float32, error) {
	q := `SELECT ` + recordColumns
	if withVectors {
		q += `, embedding`
	}
	q += ` FROM records ORDER BY id`
	return s.query(ctx, withVectors, q)
}

func (s *SQLiteStore) query(ctx context.Context, withVectors bool, q string, args ...any) ([]*knowledge.Record, [][]float32, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var recs []*knowledge.Record
	var vecs [][]float32
	for rows.Next() {
		var (
			r        knowledge.Record
			keywords string
			origin   string
			updated  string
			blob     []byte
		)
		dest := []any{&r.ID, &r.Category, &r.Group, &r.Label, &keywords,
			&r.Answers.Ukrainian, &r.Answers.Russian, &r.RankHint, &origin, &r.Fingerprint, &updated}
		if withVectors {
			dest = append(dest, &blob)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &r.Keywords); err != nil {
			return nil, nil, fmt.Errorf("record %s: bad keywords: %w", r.ID, err)
		}
		if r.Origin, err = knowledge.ParseOrigin(origin); err != nil {
			return nil, nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		recs = append(recs, &r)
		if withVectors {
			vecs = append(vecs, decodeVector(blob, s.embedder.Dimensions()))
		}
	}
	return recs, vecs, rows.Err()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// decodeVector returns a zero vector of dims when the blob does not match,
// which keeps the record out of the graph instead of failing the load.
func decodeVector(b []byte, dims int) []float32 {
	out := make([]float32, dims)
	if len(b) != 4*dims {
		return out
	}
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func sortRecords(recs []*knowledge.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
