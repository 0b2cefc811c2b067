// Package textutil provides the text normalization shared by the index,
// search and retrieval layers: tokenization, term frequencies, character
// trigrams and sparse-vector similarity. Keeping one tokenizer here ensures
// a term written into the index is the same term a query produces.
package textutil

import (
	"math"
	"strings"
	"unicode"
)

// stopwords are high-frequency terms that carry no signal for matching.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"i": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"were": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// IsStopword reports whether the lowercased term carries no search signal.
func IsStopword(term string) bool {
	_, ok := stopwords[term]
	return ok
}

// Normalize lowercases s and collapses runs of whitespace into single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Tokenize lowercases s, splits on non-alphanumeric runes and drops
// stopwords and single-character fragments.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// TermCounts returns term frequencies for s using Tokenize.
func TermCounts(s string) map[string]int {
	tokens := Tokenize(s)
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

// Trigrams returns the set of character trigrams of the normalized form of
// s. Inputs shorter than three characters yield the whole string as a
// single gram so short terms still compare non-trivially.
func Trigrams(s string) map[string]struct{} {
	n := Normalize(s)
	if n == "" {
		return nil
	}

	runes := []rune(n)
	if len(runes) < 3 {
		return map[string]struct{}{n: {}}
	}

	grams := make(map[string]struct{}, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])] = struct{}{}
	}
	return grams
}

// Jaccard returns |a∩b| / |a∪b| for two trigram sets, in [0,1].
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}

	shared := 0
	for g := range a {
		if _, ok := b[g]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// Cosine returns the cosine similarity of two sparse term vectors, in [0,1]
// for non-negative weights. Empty vectors yield 0.
func Cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}

	var dot, normA, normB float64
	for t, wa := range a {
		normA += wa * wa
		if wb, ok := b[t]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
