package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const fieldSeparator = "|"

// canonical escapes the separator so that no two different field lists can
// produce the same joined string. Surrounding whitespace is not significant,
// and a missing field is the empty string.
func canonical(field string) string {
	field = strings.TrimSpace(field)
	field = strings.ReplaceAll(field, `\`, `\\`)
	return strings.ReplaceAll(field, fieldSeparator, `\`+fieldSeparator)
}

func digest(fields ...string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte(fieldSeparator))
		}
		h.Write([]byte(canonical(f)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func joinKeywords(keywords []string) string {
	trimmed := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			trimmed = append(trimmed, kw)
		}
	}
	return strings.Join(trimmed, ",")
}

// Fingerprint hashes every content field of r in a fixed order:
// category, group, label, keywords, Ukrainian answer, Russian answer, rank hint.
func Fingerprint(r *Record) string {
	return digest(
		r.Category,
		r.Group,
		r.Label,
		joinKeywords(r.Keywords),
		r.Answers.Ukrainian,
		r.Answers.Russian,
		strconv.Itoa(r.RankHint),
	)
}

// identityDigest hashes the fields that identify what a record is about,
// leaving out the answers and rank hint that operators routinely edit.
func identityDigest(r *Record) string {
	return digest(r.Category, r.Group, r.Label, joinKeywords(r.Keywords))
}
