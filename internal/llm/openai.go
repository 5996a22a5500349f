package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"olav/internal/types"
)

// ===== OPENAI-COMPATIBLE PROVIDER =====

// OpenAIClient speaks the /chat/completions dialect, which covers OpenAI,
// local gateways and most hosted models.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIClient creates the client. baseURL defaults to the OpenAI API.
func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaRequest struct {
	Model    string      `json:"model"`
	Messages []oaMessage `json:"messages"`
	Tools    []oaTool    `json:"tools,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message oaMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends the transcript and returns the next assistant turn. 429s are
// retried up to three times with exponential backoff.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	req := oaRequest{Model: c.model, Messages: make([]oaMessage, len(messages))}
	for i, m := range messages {
		om := oaMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.ToolName}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				return nil, types.WrapError(types.KindInternal, "failed to encode tool args", err)
			}
			otc := oaToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(args)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		req.Messages[i] = om
	}
	for _, t := range tools {
		ot := oaTool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Schema
		req.Tools = append(req.Tools, ot)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to encode chat request", err)
	}

	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<(attempt-1)) * time.Second):
			case <-ctx.Done():
				return nil, types.WrapError(types.KindTimeout, "chat cancelled", ctx.Err())
			}
		}
		resp, retryable, err := c.do(ctx, payload)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *OpenAIClient) do(ctx context.Context, payload []byte) (*Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, false, types.WrapError(types.KindInternal, "failed to build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, types.WrapError(types.KindTimeout, "chat request timed out", err)
		}
		return nil, true, types.WrapError(types.KindTransport, "chat request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, types.WrapError(types.KindTransport, "failed to read chat response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, types.NewError(types.KindTransport, "model rate limit exceeded")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, types.Errorf(types.KindAuth, "model rejected credentials (%d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, types.Errorf(types.KindTransport, "model returned %d: %s", resp.StatusCode, truncate(body, 512))
	}

	var parsed oaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, types.WrapError(types.KindTransport, "failed to decode chat response", err)
	}
	if parsed.Error != nil {
		return nil, false, types.NewError(types.KindTransport, "model error: "+parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, false, types.NewError(types.KindTransport, "model returned no choices")
	}

	msg := parsed.Choices[0].Message
	out := &Response{
		Content: msg.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, false, types.WrapError(types.KindParseFailed, "model produced malformed tool arguments", err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out, false, nil
}

// Name identifies the provider.
func (c *OpenAIClient) Name() string { return "openai_compatible:" + c.model }

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
