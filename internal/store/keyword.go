package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

const (
	// KeywordTokenizerName is the bleve tokenizer that applies knowledge.Tokenize.
	KeywordTokenizerName = "kb_keyword_tokenizer"
	// KeywordAnalyzerName is the analyzer built on it.
	KeywordAnalyzerName = "kb_keyword_analyzer"

	keywordField = "keywords"
)

func init() {
	registry.RegisterTokenizer(KeywordTokenizerName, func(map[string]interface{}, *registry.Cache) (analysis.Tokenizer, error) {
		return keywordTokenizer{}, nil
	})
}

// keywordTokenizer makes bleve index exactly the tokens the retriever
// scores with, so a term query for a query token finds every record whose
// keyword set contains it.
type keywordTokenizer struct{}

func (keywordTokenizer) Tokenize(input []byte) analysis.TokenStream {
	tokens := knowledge.Tokenize(string(input))
	stream := make(analysis.TokenStream, 0, len(tokens))
	for i, tok := range tokens {
		stream = append(stream, &analysis.Token{
			Term:     []byte(tok),
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
	}
	return stream
}

type keywordDoc struct {
	Keywords string `json:"keywords"`
}

// KeywordIndex is an in-memory bleve index over record keywords.
type KeywordIndex struct {
	mu    sync.RWMutex
	index bleve.Index
}

// NewKeywordIndex creates an empty in-memory index.
func NewKeywordIndex() (*KeywordIndex, error) {
	idx, err := newKeywordBleve()
	if err != nil {
		return nil, err
	}
	return &KeywordIndex{index: idx}, nil
}

func newKeywordMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	err := m.AddCustomAnalyzer(KeywordAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": KeywordTokenizerName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add keyword analyzer: %w", err)
	}
	m.DefaultAnalyzer = KeywordAnalyzerName
	return m, nil
}

func newKeywordBleve() (bleve.Index, error) {
	m, err := newKeywordMapping()
	if err != nil {
		return nil, err
	}
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyword index: %w", err)
	}
	return idx, nil
}

// Index adds or replaces the keyword documents of records.
func (k *KeywordIndex) Index(records []*knowledge.Record) error {
	if len(records) == 0 {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	batch := k.index.NewBatch()
	for _, rec := range records {
		doc := keywordDoc{Keywords: joinKeywordTokens(rec)}
		if err := batch.Index(rec.ID, doc); err != nil {
			return fmt.Errorf("failed to index keywords of %s: %w", rec.ID, err)
		}
	}
	if err := k.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute keyword batch: %w", err)
	}
	return nil
}

// Delete removes ids from the index.
func (k *KeywordIndex) Delete(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	batch := k.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return k.index.Batch(batch)
}

// Reset drops every document.
func (k *KeywordIndex) Reset() error {
	idx, err := newKeywordBleve()
	if err != nil {
		return err
	}
	k.mu.Lock()
	old := k.index
	k.index = idx
	k.mu.Unlock()
	return old.Close()
}

// Match returns the ids of records whose keywords contain any of tokens.
func (k *KeywordIndex) Match(ctx context.Context, tokens []string) ([]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	queries := make([]query.Query, 0, len(tokens))
	for _, tok := range tokens {
		tq := bleve.NewTermQuery(tok)
		tq.SetField(keywordField)
		queries = append(queries, tq)
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	total, err := k.index.DocCount()
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), int(total), 0, false)
	res, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Close closes the bleve index.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.index.Close()
}

func joinKeywordTokens(rec *knowledge.Record) string {
	var out []byte
	for _, kw := range rec.Keywords {
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, kw...)
	}
	return string(out)
}
