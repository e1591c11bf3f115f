package knowledge

import (
	"strings"
	"unicode"
)

// Tokenize lowercases s and splits it into words on anything that is not a
// letter or digit. Apostrophes inside words are kept so Ukrainian words such
// as "м'ята" stay whole.
//
// Letters that differ only between the Ukrainian and Russian spellings of a
// word are folded (і, ї, ы to и; є, э, ё to е; ґ to г), so "візитки" and
// "визитки" produce the same token.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.Map(fold, strings.ToLower(s)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !isApostrophe(r)
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, isApostrophe)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// TokenSet returns the distinct tokens of s.
func TokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(s) {
		set[tok] = struct{}{}
	}
	return set
}

func isApostrophe(r rune) bool {
	return r == '\'' || r == '’' || r == 'ʼ'
}

// SplitKeywords splits a comma separated keyword cell into trimmed,
// non-empty keywords, preserving order.
func SplitKeywords(cell string) []string {
	var out []string
	for _, kw := range strings.Split(cell, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func fold(r rune) rune {
	switch r {
	case 'і', 'ї', 'ы':
		return 'и'
	case 'є', 'э', 'ё':
		return 'е'
	case 'ґ':
		return 'г'
	}
	return r
}
