// Package textutil provides the text normalization and similarity
// primitives used by keyword screening and knowledge retrieval.
package textutil

import (
	"strings"
	"unicode"
)

// =============================================================================
// NORMALIZATION
// =============================================================================

// Normalize lowercases the input and strips every rune that is not an
// ASCII letter, a digit, or a CJK ideograph. Whitespace is removed too,
// so the result is a compact comparable string.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case unicode.Is(unicode.Han, r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// =============================================================================
// BIGRAM OVERLAP
// =============================================================================

// Bigrams returns the set of adjacent rune pairs in s. Strings shorter
// than two runes yield the whole string as a single token.
func Bigrams(s string) map[string]struct{} {
	runes := []rune(s)
	set := make(map[string]struct{})
	if len(runes) < 2 {
		if len(runes) == 1 {
			set[string(runes)] = struct{}{}
		}
		return set
	}
	for i := 0; i < len(runes)-1; i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

// Overlap returns the fraction of query bigrams present in the target.
// Zero when the query has no bigrams.
func Overlap(query, target map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hit := 0
	for g := range query {
		if _, ok := target[g]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

// BigramOverlap is a convenience wrapper over Normalize+Bigrams+Overlap.
func BigramOverlap(query, target string) float64 {
	return Overlap(Bigrams(Normalize(query)), Bigrams(Normalize(target)))
}

// =============================================================================
// SEQUENCE SIMILARITY
// =============================================================================

// SequenceRatio computes 2*M/(len(a)+len(b)) where M is the total length
// of matching blocks found by recursive longest-common-substring matching
// over runes. Equivalent to the classic Ratcliff/Obershelp ratio.
func SequenceRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	m := matchLen(ra, rb)
	return 2 * float64(m) / float64(total)
}

func matchLen(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ai, bi, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	return size +
		matchLen(a[:ai], b[:bi]) +
		matchLen(a[ai+size:], b[bi+size:])
}

// longestMatch finds the longest common substring via a rolling DP row.
func longestMatch(a, b []rune) (ai, bi, size int) {
	// positions of each rune in b, to skip non-matching columns quickly
	row := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		prevDiag := 0
		for j := 1; j <= len(b); j++ {
			cur := row[j]
			if a[i-1] == b[j-1] {
				row[j] = prevDiag + 1
				if row[j] > size {
					size = row[j]
					ai = i - size
					bi = j - size
				}
			} else {
				row[j] = 0
			}
			prevDiag = cur
		}
	}
	return ai, bi, size
}
