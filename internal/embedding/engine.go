// Package embedding generates the vectors behind semantic knowledge search.
// Two backends: a local Ollama server and Google GenAI. Both are optional —
// without a configured provider the search index stays lexical-only.
package embedding

import (
	"context"
	"math"

	"olav/internal/config"
	"olav/internal/types"
)

// Engine turns text into vectors.
type Engine interface {
	// Embed generates the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for several texts in one call where
	// the backend supports it.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the vector width the engine produces.
	Dimensions() int
	// Name identifies the engine ("ollama:embeddinggemma").
	Name() string
}

// NewEngine builds the configured engine. An empty provider returns
// (nil, nil): vector search disabled.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, types.Errorf(types.KindInternal, "unsupported embedding provider %q (want ollama or genai)", cfg.Provider)
	}
}

// Cosine computes cosine similarity between two vectors. Mismatched or
// zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, ma, mb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		ma += float64(a[i]) * float64(a[i])
		mb += float64(b[i]) * float64(b[i])
	}
	if ma == 0 || mb == 0 {
		return 0
	}
	return dot / (math.Sqrt(ma) * math.Sqrt(mb))
}
