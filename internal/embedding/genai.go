package embedding

import (
	"context"

	"google.golang.org/genai"

	"olav/internal/types"
)

// ===== GENAI ENGINE =====

// GenAIEngine embeds through Google's Gemini embedding API.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates the engine. The API key is required; the model
// defaults to gemini-embedding-001.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, types.NewError(types.KindAuth, "GenAI embedding requires an API key")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, types.WrapError(types.KindTransport, "failed to create GenAI client", err)
	}
	return &GenAIEngine{client: client, model: model}, nil
}

// Embed generates one embedding.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch uses the API's native batch support.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return nil, types.WrapError(types.KindTransport, "GenAI embed failed", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, types.Errorf(types.KindTransport, "GenAI returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions reports the vector width. gemini-embedding-001 defaults to 3072.
func (e *GenAIEngine) Dimensions() int { return 3072 }

// Name identifies the engine.
func (e *GenAIEngine) Name() string { return "genai:" + e.model }
