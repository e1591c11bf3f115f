package knowledge

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// IdentityOptions tunes id derivation.
type IdentityOptions struct {
	// SlugMaxLength caps the label slug, in runes.
	SlugMaxLength int
	// HashLength is the number of digest hex chars appended to ids.
	HashLength int
}

// DefaultIdentityOptions returns a 30 rune slug and an 8 char digest.
func DefaultIdentityOptions() IdentityOptions {
	return IdentityOptions{SlugMaxLength: 30, HashLength: 8}
}

// slugSourceLimit is how much of the label is considered before cleaning.
const slugSourceLimit = 50

// Slug keeps the letters, digits and spaces of the first 50 runes of label
// and joins the words with underscores, truncated to maxLen runes.
func Slug(label string, maxLen int) string {
	label = truncateRunes(strings.TrimSpace(label), slugSourceLimit)
	clean := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, label)
	return truncateRunes(strings.Join(strings.Fields(clean), "_"), maxLen)
}

func (o IdentityOptions) normalized() IdentityOptions {
	def := DefaultIdentityOptions()
	if o.SlugMaxLength <= 0 {
		o.SlugMaxLength = def.SlugMaxLength
	}
	if o.HashLength <= 0 || o.HashLength > 64 {
		o.HashLength = def.HashLength
	}
	return o
}

// baseID is category_slug, or category_item_<line> when the label has no
// usable characters.
func (o IdentityOptions) baseID(r *Record, line int) string {
	slug := Slug(r.Label, o.SlugMaxLength)
	if slug == "" {
		slug = fmt.Sprintf("item_%d", line)
	}
	return r.Category + "_" + slug
}

// Rejection is a source row that failed validation.
type Rejection struct {
	Row    Row
	Reason string
}

// Snapshot is the validated, identified content of one source fetch.
type Snapshot struct {
	// Records are sorted by id.
	Records []*Record
	// Rejected rows were skipped.
	Rejected []Rejection
	// Duplicates counts rows dropped because an identical row was already present.
	Duplicates int
}

// Fingerprints returns the id to fingerprint map of the snapshot.
func (s *Snapshot) Fingerprints() map[string]string {
	out := make(map[string]string, len(s.Records))
	for _, r := range s.Records {
		out[r.ID] = r.Fingerprint
	}
	return out
}

// ToRecord validates row and converts it to an imported record without an id.
func ToRecord(row Row, now time.Time) (*Record, error) {
	rec := &Record{
		Category: strings.TrimSpace(row.Category),
		Group:    strings.TrimSpace(row.Group),
		Label:    strings.TrimSpace(row.Label),
		Keywords: SplitKeywords(row.Keywords),
		Answers: Answers{
			Ukrainian: strings.TrimSpace(row.AnswerUkrainian),
			Russian:   strings.TrimSpace(row.AnswerRussian),
		},
		Origin:    OriginImported,
		UpdatedAt: now,
	}

	switch {
	case rec.Category == "":
		return nil, fmt.Errorf("missing category")
	case len(rec.Keywords) == 0:
		return nil, fmt.Errorf("missing keywords")
	case rec.Answers.Empty():
		return nil, fmt.Errorf("missing answer in both languages")
	}

	hint, err := parseRankHint(row.RankHint)
	if err != nil {
		return nil, err
	}
	rec.RankHint = hint
	rec.Fingerprint = Fingerprint(rec)
	return rec, nil
}

func parseRankHint(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRankHint, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	// Spreadsheet exports sometimes write "10.0".
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("invalid rank hint %q", s)
	}
	return int(f), nil
}

// Build validates rows and assigns every surviving record its id.
//
// The id is category_slug_<digest>, where the digest covers category, group,
// label and keywords. Rows that share that id are told apart by a prefix of
// their own content fingerprint, so each one keeps its id whatever happens
// to the others. Rows identical in every field are kept once.
func Build(rows []Row, opts IdentityOptions, now time.Time) *Snapshot {
	opts = opts.normalized()
	snap := &Snapshot{}

	groups := make(map[string][]*Record)
	for _, row := range rows {
		rec, err := ToRecord(row, now)
		if err != nil {
			snap.Rejected = append(snap.Rejected, Rejection{Row: row, Reason: err.Error()})
			continue
		}
		id := opts.baseID(rec, row.Line) + "_" + identityDigest(rec)[:opts.HashLength]
		groups[id] = append(groups[id], rec)
	}

	for id, recs := range groups {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Fingerprint < recs[j].Fingerprint })
		unique := recs[:0]
		for i, rec := range recs {
			if i > 0 && rec.Fingerprint == recs[i-1].Fingerprint {
				snap.Duplicates++
				continue
			}
			unique = append(unique, rec)
		}
		if len(unique) == 1 {
			unique[0].ID = id
			snap.Records = append(snap.Records, unique[0])
			continue
		}
		n := contentSuffixLength(unique, opts.HashLength)
		for _, rec := range unique {
			rec.ID = id + "_" + rec.Fingerprint[:n]
			snap.Records = append(snap.Records, rec)
		}
	}

	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })
	return snap
}

// contentSuffixLength is the shortest fingerprint prefix, at least n chars,
// that is unique across recs. recs must be sorted by fingerprint with no
// repeats.
func contentSuffixLength(recs []*Record, n int) int {
	for i := 1; i < len(recs); i++ {
		a, b := recs[i-1].Fingerprint, recs[i].Fingerprint
		for n < len(a) && a[:n] == b[:n] {
			n++
		}
	}
	return n
}

// PrepareOperatorRecord normalizes and validates a record authored by an
// operator and computes its fingerprint. The caller supplies id and origin.
func PrepareOperatorRecord(rec *Record, now time.Time) error {
	if !rec.Origin.Protected() {
		return fmt.Errorf("origin %q is not an operator origin", rec.Origin)
	}
	rec.Category = strings.TrimSpace(rec.Category)
	rec.Group = strings.TrimSpace(rec.Group)
	rec.Label = strings.TrimSpace(rec.Label)
	rec.Keywords = SplitKeywords(strings.Join(rec.Keywords, ","))
	rec.Answers.Ukrainian = strings.TrimSpace(rec.Answers.Ukrainian)
	rec.Answers.Russian = strings.TrimSpace(rec.Answers.Russian)
	rec.UpdatedAt = now

	switch {
	case rec.ID == "":
		return fmt.Errorf("missing id")
	case rec.Category == "":
		return fmt.Errorf("missing category")
	case len(rec.Keywords) == 0:
		return fmt.Errorf("missing keywords")
	case rec.Answers.Empty():
		return fmt.Errorf("missing answer in both languages")
	}
	rec.Fingerprint = Fingerprint(rec)
	return nil
}
