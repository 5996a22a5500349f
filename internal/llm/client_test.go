package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olav/internal/config"
	"olav/internal/types"
)

func TestNewClientSelection(t *testing.T) {
	c, err := NewClient(config.LLMConfig{Provider: "openai_compatible", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "openai_compatible:m", c.Name())

	_, err = NewClient(config.LLMConfig{Provider: "genai"})
	assert.Equal(t, types.KindAuth, types.KindOf(err)) // no key

	_, err = NewClient(config.LLMConfig{Provider: "mystery"})
	assert.Error(t, err)
}

func TestOpenAIChatText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req oaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Len(t, req.Tools, 1)

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "key", "m", time.Minute)
	resp, err := c.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "you are a network assistant"},
		{Role: RoleUser, Content: "hi"},
	}, []ToolDef{{Name: "list_devices", Schema: map[string]any{"type": "object"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
}

func TestOpenAIChatToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"execute_command",
			"arguments":"{\"selector\":\"role:edge\",\"command\":\"show version\"}"}}]}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "m", time.Minute)
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "versions?"}}, nil)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "execute_command", resp.ToolCalls[0].Name)
	assert.Equal(t, "role:edge", resp.ToolCalls[0].Args["selector"])
}

func TestOpenAIChatRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "m", time.Minute)
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIChatAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "wrong", "m", time.Minute)
	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	assert.Equal(t, types.KindAuth, types.KindOf(err))
}

func TestGeminiChatToolRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		// Tool result travels as a functionResponse part.
		last := req.Contents[len(req.Contents)-1]
		require.NotNil(t, last.Parts[0].FunctionResponse)
		assert.Equal(t, "list_devices", last.Parts[0].FunctionResponse.Name)

		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"3 edge devices"}]}}],
			"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":4}}`))
	}))
	defer srv.Close()

	c, err := NewGeminiClient(srv.URL, "key", "gemini-2.0-flash", time.Minute)
	require.NoError(t, err)
	resp, err := c.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "assistant"},
		{Role: RoleUser, Content: "how many edges?"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call-0", Name: "list_devices", Args: map[string]any{}}}},
		{Role: RoleTool, ToolName: "list_devices", ToolCallID: "call-0", Content: `["e1","e2","e3"]`},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "3 edge devices", resp.Content)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
}

func TestGeminiChatFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[
			{"functionCall":{"name":"search_knowledge","args":{"query":"bgp flap"}}}]}}]}`))
	}))
	defer srv.Close()

	c, err := NewGeminiClient(srv.URL, "key", "", time.Minute)
	require.NoError(t, err)
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search_knowledge", resp.ToolCalls[0].Name)
	assert.Equal(t, "bgp flap", resp.ToolCalls[0].Args["query"])
}
