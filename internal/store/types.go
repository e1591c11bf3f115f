// Package store holds the knowledge index: records in SQLite, their vectors
// in an HNSW graph, and their keywords in a bleve inverted index.
//
// The store has no update primitive. Add fails for an id that is already
// present, and callers emulate updates with Delete followed by Add.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

// IndexStore is the capability set the sync engine and retriever rely on.
// Every call may block on I/O and can fail.
type IndexStore interface {
	// Add inserts records; the embedded document is record.Document().
	Add(ctx context.Context, records []*knowledge.Record) error

	// Delete removes records by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Get returns the records that exist among ids, in id order.
	Get(ctx context.Context, ids []string) ([]*knowledge.Record, error)

	// Query returns up to k candidates nearest to text, closest first.
	Query(ctx context.Context, text string, k int) ([]*Candidate, error)

	// GetAll returns every record, in id order.
	GetAll(ctx context.Context) ([]*knowledge.Record, error)

	// Close releases resources.
	Close() error
}

// KeywordMatcher is implemented by stores that can find records sharing at
// least one keyword token without a full scan.
type KeywordMatcher interface {
	MatchKeywords(ctx context.Context, tokens []string) ([]*knowledge.Record, error)
}

// Candidate is a similarity search result.
// Distance is the backend's raw cosine distance, in [0, 2].
type Candidate struct {
	Record   *knowledge.Record
	Distance float32
}

// Stats summarizes index contents.
type Stats struct {
	Total      int                      `json:"total"`
	ByCategory map[string]int           `json:"by_category"`
	ByOrigin   map[knowledge.Origin]int `json:"by_origin"`
	Vectors    int                      `json:"vectors"`
	Orphans    int                      `json:"orphans"`
}

// ErrDuplicateID is returned by Add for an id that is already stored.
var ErrDuplicateID = errors.New("record id already exists")

// DuplicateIDError names the offending id.
type DuplicateIDError struct {
	ID string
}

func (e DuplicateIDError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateID, e.ID)
}

func (e DuplicateIDError) Unwrap() error {
	return ErrDuplicateID
}

// ErrDimensionMismatch is returned when a vector has the wrong size.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// ErrClosed is returned by calls on a closed store.
var ErrClosed = errors.New("store is closed")
