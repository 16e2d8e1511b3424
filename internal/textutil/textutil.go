// Package textutil provides text processing utilities for token
// normalization, edit-distance similarity, and filename sanitization.
//
// Token normalization case-folds, strips diacritics, and drops punctuation so
// spoken-word transcripts can be compared against print text. Similarity is
// normalized Levenshtein distance over the normalized forms.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeToken lowercases (full Unicode case folding), strips diacritics,
// and removes punctuation and symbols. The result may be empty when the input
// is punctuation only.
func NormalizeToken(s string) string {
	folded := folder.String(strings.TrimSpace(s))
	decomposed := norm.NFKD.String(folded)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		if unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EditDistance computes the Levenshtein distance between two strings by rune.
func EditDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// NormalizedDistance returns EditDistance scaled to [0,1] by the longer
// string's rune length. Two empty strings are identical (0).
func NormalizedDistance(a, b string) float64 {
	la := len([]rune(a))
	lb := len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 0
	}
	return float64(EditDistance(a, b)) / float64(longest)
}
