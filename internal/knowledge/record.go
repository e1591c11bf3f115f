package knowledge

import (
	"fmt"
	"strings"
	"time"
)

// Origin records who authored a record.
type Origin string

const (
	// OriginImported marks records created from the source snapshot.
	OriginImported Origin = "imported"
	// OriginOperatorCorrection marks an operator's replacement of a record.
	OriginOperatorCorrection Origin = "operator_correction"
	// OriginOperatorAddition marks a record added by an operator.
	OriginOperatorAddition Origin = "operator_addition"
)

// Protected reports whether automated sync must leave the record alone.
func (o Origin) Protected() bool {
	return o == OriginOperatorCorrection || o == OriginOperatorAddition
}

// ParseOrigin parses a stored origin. Empty means imported.
func ParseOrigin(s string) (Origin, error) {
	switch Origin(strings.TrimSpace(s)) {
	case "", OriginImported:
		return OriginImported, nil
	case OriginOperatorCorrection:
		return OriginOperatorCorrection, nil
	case OriginOperatorAddition:
		return OriginOperatorAddition, nil
	default:
		return "", fmt.Errorf("unknown origin %q", s)
	}
}

// Language selects an answer variant.
type Language string

const (
	LangUkrainian Language = "ukr"
	LangRussian   Language = "rus"
)

// ParseLanguage accepts the common spellings of the supported languages.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ukr", "uk", "ua", "uk-ua":
		return LangUkrainian, nil
	case "rus", "ru", "ru-ru":
		return LangRussian, nil
	default:
		return "", fmt.Errorf("unsupported language %q (use ukr or rus)", s)
	}
}

// Answers holds the per-language answer texts. Either may be blank.
type Answers struct {
	Ukrainian string `json:"ukr,omitempty"`
	Russian   string `json:"rus,omitempty"`
}

// For returns the answer in lang, falling back to the other language when
// that one is blank.
func (a Answers) For(lang Language) string {
	primary, fallback := a.Ukrainian, a.Russian
	if lang == LangRussian {
		primary, fallback = a.Russian, a.Ukrainian
	}
	if strings.TrimSpace(primary) != "" {
		return primary
	}
	return fallback
}

// Empty reports whether both answers are blank.
func (a Answers) Empty() bool {
	return strings.TrimSpace(a.Ukrainian) == "" && strings.TrimSpace(a.Russian) == ""
}

// DefaultRankHint is used when a row has no sort order. It sorts last.
const DefaultRankHint = 999

// Record is one knowledge base entry.
type Record struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Group       string    `json:"group,omitempty"`
	Label       string    `json:"label,omitempty"`
	Keywords    []string  `json:"keywords"`
	Answers     Answers   `json:"answers"`
	RankHint    int       `json:"rank_hint"`
	Origin      Origin    `json:"origin"`
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Keywords = append([]string(nil), r.Keywords...)
	return &c
}

// KeywordTokens returns the lowercase word set of the record's keywords.
func (r *Record) KeywordTokens() map[string]struct{} {
	set := make(map[string]struct{})
	for _, kw := range r.Keywords {
		for _, tok := range Tokenize(kw) {
			set[tok] = struct{}{}
		}
	}
	return set
}

const documentAnswerLimit = 200

// Document returns the text that is embedded for similarity search:
// category, keywords and the first characters of each answer.
func (r *Record) Document() string {
	var sb strings.Builder
	sb.WriteString(r.Category)
	if r.Label != "" {
		sb.WriteString("\n")
		sb.WriteString(r.Label)
	}
	sb.WriteString("\n")
	sb.WriteString(strings.Join(r.Keywords, ", "))
	for _, answer := range []string{r.Answers.Ukrainian, r.Answers.Russian} {
		if answer = truncateRunes(strings.TrimSpace(answer), documentAnswerLimit); answer != "" {
			sb.WriteString("\n")
			sb.WriteString(answer)
		}
	}
	return sb.String()
}

// Row is one raw source row, before validation.
type Row struct {
	Category        string
	Group           string
	Label           string
	Keywords        string
	AnswerUkrainian string
	AnswerRussian   string
	RankHint        string
	// Line is the 1-based data row number inside its source file.
	Line int
	// File names the source the row came from, for diagnostics.
	File string
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
