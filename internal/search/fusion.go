package search

import (
	"sort"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

// KeywordScore is the fraction of query tokens found among the record's
// keyword tokens.
func KeywordScore(queryTokens map[string]struct{}, rec *knowledge.Record) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	kw := rec.KeywordTokens()
	matched := 0
	for tok := range queryTokens {
		if _, ok := kw[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

// VectorScore converts a cosine distance to a similarity in [0, 1].
// The backend reports distances in [0, 2]; anything past 1 is treated as
// unrelated rather than negative.
func VectorScore(distance float32) float64 {
	s := 1 - float64(distance)
	switch {
	case s != s: // NaN
		return 0
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

// CombinedScore merges the scores of one record. It never decreases when
// either score grows.
func CombinedScore(keyword, vector float64, inKeyword, inVector bool, bonus float64) float64 {
	switch {
	case inKeyword && inVector:
		return vector + keyword + bonus
	case inKeyword:
		return keyword + bonus
	case inVector:
		return vector
	default:
		return 0
	}
}

type keywordMatch struct {
	rec   *knowledge.Record
	score float64
}

type vectorMatch struct {
	rec   *knowledge.Record
	score float64
}

type merged struct {
	rec                 *knowledge.Record
	keyword, vector     float64
	inKeyword, inVector bool
}

// merge unions both passes by id and ranks the result.
func merge(kw []keywordMatch, vec []vectorMatch, bonus float64, lang knowledge.Language, k int) []*Hit {
	byID := make(map[string]*merged, len(kw)+len(vec))
	get := func(rec *knowledge.Record) *merged {
		m, ok := byID[rec.ID]
		if !ok {
			m = &merged{rec: rec}
			byID[rec.ID] = m
		}
		return m
	}
	for _, m := range kw {
		e := get(m.rec)
		e.keyword, e.inKeyword = m.score, true
	}
	for _, m := range vec {
		e := get(m.rec)
		e.vector, e.inVector = m.score, true
	}

	hits := make([]*Hit, 0, len(byID))
	for _, m := range byID {
		h := &Hit{
			Record:       m.rec,
			ID:           m.rec.ID,
			Category:     m.rec.Category,
			Label:        m.rec.Label,
			Answer:       m.rec.Answers.For(lang),
			Language:     lang,
			KeywordScore: m.keyword,
			VectorScore:  m.vector,
			Score:        CombinedScore(m.keyword, m.vector, m.inKeyword, m.inVector, bonus),
		}
		if m.inKeyword {
			h.Sources = append(h.Sources, SourceKeyword)
		}
		if m.inVector {
			h.Sources = append(h.Sources, SourceVector)
		}
		hits = append(hits, h)
	}

	rank(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// rank sorts by score descending, then rank hint ascending, then id.
func rank(hits []*Hit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Record.RankHint != b.Record.RankHint {
			return a.Record.RankHint < b.Record.RankHint
		}
		return a.ID < b.ID
	})
}
