package service

import (
	"strings"
	"unicode"

	"github.com/knoguchi/medrag/internal/vectorstore"
)

// minTokenLen drops short tokens such as articles and units.
const minTokenLen = 3

type wordSet map[string]struct{}

// suppressNearDuplicates keeps a result only if its word set overlaps every
// already kept result by less than threshold. Input order is the priority,
// so callers sort by score first.
func suppressNearDuplicates(results []vectorstore.SearchResult, threshold float64) []vectorstore.SearchResult {
	if len(results) < 2 || threshold <= 0 {
		return results
	}

	kept := make([]vectorstore.SearchResult, 0, len(results))
	keptWords := make([]wordSet, 0, len(results))

next:
	for _, r := range results {
		words := contentWords(r.Content)
		for _, other := range keptWords {
			if jaccard(words, other) >= threshold {
				continue next
			}
		}
		kept = append(kept, r)
		keptWords = append(keptWords, words)
	}
	return kept
}

// contentWords splits on anything that is not a letter or digit and folds case.
func contentWords(content string) wordSet {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(wordSet, len(fields))
	for _, f := range fields {
		if len(f) >= minTokenLen {
			set[f] = struct{}{}
		}
	}
	return set
}

// jaccard is |a∩b| / |a∪b|; two empty sets are identical.
func jaccard(a, b wordSet) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	shared := 0
	for w := range a {
		if _, ok := b[w]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 1
	}
	return float64(shared) / float64(union)
}
