package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"olav/internal/types"
)

// ===== OLLAMA ENGINE =====

// OllamaEngine embeds through a local Ollama server. No batch API, so
// batches are sequential calls.
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaEngine creates the engine with the endpoint and model, defaulting
// to localhost and embeddinggemma.
func NewOllamaEngine(endpoint, model string) *OllamaEngine {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	return &OllamaEngine{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates one embedding.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to encode embed request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.WrapError(types.KindTransport, "ollama request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.Errorf(types.KindTransport, "ollama returned %d: %s", resp.StatusCode, body)
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, types.WrapError(types.KindTransport, "failed to decode ollama response", err)
	}
	if len(result.Embedding) == 0 {
		return nil, types.NewError(types.KindTransport, "ollama returned an empty embedding")
	}
	return result.Embedding, nil
}

// EmbedBatch embeds each text in turn.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions reports the vector width. embeddinggemma produces 768.
func (e *OllamaEngine) Dimensions() int { return 768 }

// Name identifies the engine.
func (e *OllamaEngine) Name() string { return "ollama:" + e.model }
