// Package llm is the thin conversation-model boundary: messages and tool
// definitions in, text and tool calls out. Providers are interchangeable
// behind Client; everything above this package is model-agnostic.
package llm

import (
	"context"
	"time"

	"olav/internal/config"
	"olav/internal/types"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Assistant turns may carry tool calls instead of (or alongside) text.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool turns echo the call they answer.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolDef describes a callable tool to the model. Schema is a JSON Schema
// object for the arguments.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// ToolCall is the model asking for a tool invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Usage is the token accounting for one exchange.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is one model turn.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Client is a conversation model.
type Client interface {
	// Chat sends the transcript (plus available tools) and returns the next
	// assistant turn.
	Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error)
	// Name identifies the provider and model.
	Name() string
}

// NewClient builds the configured provider.
func NewClient(cfg config.LLMConfig) (Client, error) {
	timeout := 2 * time.Minute
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = d
		}
	}
	switch cfg.Provider {
	case "", "openai_compatible":
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model, timeout), nil
	case "genai":
		return NewGeminiClient(cfg.BaseURL, cfg.APIKey, cfg.Model, timeout)
	default:
		return nil, types.Errorf(types.KindInternal, "unsupported llm provider %q (want openai_compatible or genai)", cfg.Provider)
	}
}
