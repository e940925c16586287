package match

import (
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// nearTokenThreshold is the minimum per-token similarity for two unequal
// tokens to count as the same word (typo tolerance).
const nearTokenThreshold = 0.8

// nameSimilarity computes a normalized [0,1] similarity between two
// counterparty names using token-set overlap. Unequal tokens still
// contribute when their levenshtein ratio is high enough, so "ACME GmbH"
// and "AMCE GmbH" stay close.
func nameSimilarity(a, b string) float64 {
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	// Greedy best-pair assignment; token lists are tiny.
	used := make([]bool, len(tb))
	var matched float64
	for _, t := range ta {
		bestIdx, best := -1, 0.0
		for j, u := range tb {
			if used[j] {
				continue
			}
			sim := tokenSimilarity(t, u)
			if sim > best {
				best, bestIdx = sim, j
			}
		}
		if bestIdx >= 0 && best >= nearTokenThreshold {
			used[bestIdx] = true
			matched += best
		}
	}

	// Dice coefficient over the two token sets.
	return 2 * matched / float64(len(ta)+len(tb))
}

func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 0.0
	}
	dist := levenshtein.DistanceForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
	return 1.0 - float64(dist)/float64(maxLen)
}

// tokenize uppercases, strips punctuation and splits a name into tokens.
func tokenize(s string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return ' '
	}, s)
	return strings.Fields(cleaned)
}
