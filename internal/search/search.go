package search

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"olav/internal/embedding"
)

// Filters narrows a search to a slice of the corpus. Empty fields match
// everything; a document with no platform matches any platform filter.
type Filters struct {
	Category string   `json:"category,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func (f Filters) matches(d *Document) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, d.Category) {
		return false
	}
	if f.Platform != "" && d.Platform != "" && !strings.EqualFold(f.Platform, d.Platform) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range d.Tags {
			if strings.EqualFold(want, have) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Reranker reorders fused candidates by deeper relevance to the query,
// typically through an LLM call. Optional.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result) ([]Result, error)
}

// RRF constant. 60 is the value from the original RRF paper and damps the
// influence of any single leg's top rank.
const rrfK = 60

// Search runs hybrid retrieval: BM25 and vector legs over the filtered
// corpus, reciprocal-rank fusion, then the optional reranker. A failing
// vector leg or reranker degrades the search, never fails it.
func (i *Index) Search(ctx context.Context, query string, f Filters) ([]Result, error) {
	i.mu.RLock()
	candidates := make([]*Document, 0, len(i.docs))
	for _, d := range i.docs {
		if f.matches(d) {
			candidates = append(candidates, d)
		}
	}
	i.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, nil
	}

	lexical := lexicalTopK(Tokenize(query), candidates, i.opts.TopK)
	vector := i.vectorTopK(ctx, query, candidates, i.opts.TopK)

	fused := rrfFuse(lexical, vector, i.opts.TopN)

	results := make([]Result, len(fused))
	for n, s := range fused {
		results[n] = Result{
			DocID:    s.doc.DocID,
			Path:     s.doc.Path,
			Category: s.doc.Category,
			Score:    s.score,
			Snippet:  snippet(s.doc, Tokenize(query)),
		}
	}

	if i.reranker != nil && len(results) > 0 {
		reranked, err := i.reranker.Rerank(ctx, query, results)
		if err != nil {
			// Keep the full fused top-N; only a successful rerank narrows
			// the result set.
			i.log.Warn("reranker failed, keeping fused order", zap.Error(err))
			return results, nil
		}
		results = reranked
		if len(results) > i.opts.TopM {
			results = results[:i.opts.TopM]
		}
	}
	return results, nil
}

// vectorTopK embeds the query and ranks candidates by cosine similarity.
// Any failure (no engine, embed error) returns nil and the search proceeds
// lexical-only.
func (i *Index) vectorTopK(ctx context.Context, query string, candidates []*Document, k int) []scored {
	if i.engine == nil {
		return nil
	}
	qvec, err := i.engine.Embed(ctx, query)
	if err != nil {
		i.log.Warn("query embedding failed, lexical-only search", zap.Error(err))
		return nil
	}

	var results []scored
	for _, d := range candidates {
		if d.Embedding == nil {
			continue
		}
		if sim := embedding.Cosine(qvec, d.Embedding); sim > 0 {
			results = append(results, scored{doc: d, score: sim})
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

// rrfFuse merges ranked legs with reciprocal rank fusion:
// score(d) = sum over legs of 1/(rrfK + rank), rank starting at 1.
func rrfFuse(lexical, vector []scored, topN int) []scored {
	fused := make(map[string]*scored)
	accumulate := func(leg []scored) {
		for rank, s := range leg {
			if prev, ok := fused[s.doc.Path]; ok {
				prev.score += 1 / float64(rrfK+rank+1)
			} else {
				fused[s.doc.Path] = &scored{doc: s.doc, score: 1 / float64(rrfK+rank+1)}
			}
		}
	}
	accumulate(lexical)
	accumulate(vector)

	out := make([]scored, 0, len(fused))
	for _, s := range fused {
		out = append(out, *s)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].score != out[b].score {
			return out[a].score > out[b].score
		}
		return out[a].doc.Path < out[b].doc.Path
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// snippet extracts a short window around the first query-term hit in the
// body, falling back to the body prefix.
func snippet(d *Document, query []string) string {
	const window = 160
	body := d.Body
	lower := strings.ToLower(body)
	at := -1
	for _, term := range query {
		if idx := strings.Index(lower, term); idx >= 0 && (at < 0 || idx < at) {
			at = idx
		}
	}
	if at < 0 {
		at = 0
	}
	start := at - window/4
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(body) {
		end = len(body)
	}
	snip := strings.TrimSpace(strings.Join(strings.Fields(body[start:end]), " "))
	if snip == "" {
		snip = d.Title
	}
	return snip
}
