package search

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// BM25 constants. Standard Okapi values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// Header (frontmatter) matches count double: a query term hitting a
	// title, trigger phrase or tag is a much stronger signal than a body hit.
	headerBoost = 2
)

// Tokenize lowercases and splits on non-alphanumeric runes. Hyphenated and
// dotted identifiers ("bgp-neighbor", "ios.xe") split into their parts.
func Tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func termFrequencies(tokens []string) map[string]int {
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

type scored struct {
	doc   *Document
	score float64
}

// lexicalTopK scores every candidate document with BM25 and returns the best
// k, highest score first. Ties break on path for determinism.
func lexicalTopK(query []string, candidates []*Document, k int) []scored {
	if len(query) == 0 || len(candidates) == 0 {
		return nil
	}

	totalLen := 0
	for _, d := range candidates {
		totalLen += d.length
	}
	avgLen := float64(totalLen) / float64(len(candidates))
	if avgLen == 0 {
		avgLen = 1
	}

	// Document frequency per query term, with header hits boosted.
	df := make(map[string]int, len(query))
	for _, term := range query {
		for _, d := range candidates {
			if d.bodyTF[term] > 0 || d.headerTF[term] > 0 {
				df[term]++
			}
		}
	}

	n := float64(len(candidates))
	var results []scored
	for _, d := range candidates {
		score := 0.0
		for _, term := range query {
			tf := float64(d.bodyTF[term] + headerBoost*d.headerTF[term])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			norm := 1 - bm25B + bm25B*float64(d.length)/avgLen
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
		if score > 0 {
			results = append(results, scored{doc: d, score: score})
		}
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].score != results[b].score {
			return results[a].score > results[b].score
		}
		return results[a].doc.Path < results[b].doc.Path
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
