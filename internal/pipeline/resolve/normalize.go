// Package resolve implements fuzzy entity resolution: name normalization,
// shingle-indexed candidate retrieval over a per-batch catalog snapshot, and
// threshold classification into auto-match, review, and new-entity outcomes.
package resolve

import (
	"strings"
	"unicode"
)

// corporateSuffixes are stripped from the trailing position of normalized
// names. The list deliberately carries abbreviations only; spelled-out forms
// such as "incorporated" stay part of the key so that "Supplier Inc" and
// "Supplier Incorporated" remain distinct keys resolved through scoring.
var corporateSuffixes = map[string]struct{}{
	"inc":  {},
	"llc":  {},
	"ltd":  {},
	"corp": {},
	"co":   {},
	"gmbh": {},
	"ag":   {},
	"sa":   {},
	"srl":  {},
	"bv":   {},
	"plc":  {},
	"pty":  {},
	"oy":   {},
	"ab":   {},
	"kg":   {},
}

// NormalizeKey canonicalizes a display name into the uniqueness-anchor key:
// case-folded, punctuation-stripped, whitespace-collapsed, with trailing
// corporate suffix tokens removed. Apostrophes are deleted outright so
// "O'Reilly" collapses to "oreilly" rather than splitting into two tokens.
func NormalizeKey(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case r == '\'' || r == '’':
			// drop
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	tokens := strings.Fields(b.String())
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		if _, ok := corporateSuffixes[last]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// Tokens splits a normalized key into its token set.
func Tokens(key string) []string {
	return strings.Fields(key)
}

// Shingles returns the retrieval signature for a normalized key: every token
// plus character trigrams within each token. Sharing one shingle is the
// candidate-retrieval gate, which keeps matching off the O(n·m) full-catalog
// scan.
func Shingles(key string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, token := range Tokens(key) {
		add(token)
		runes := []rune(token)
		for i := 0; i+3 <= len(runes); i++ {
			add(string(runes[i : i+3]))
		}
	}
	return out
}
