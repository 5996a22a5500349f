package session

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"olav/internal/llm"
	"olav/internal/tools"
	"olav/internal/types"
)

// scriptedClient replays canned responses in order.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	calls     [][]llm.Message
	block     chan struct{} // when set, Chat blocks until closed or ctx done
}

func (c *scriptedClient) Chat(ctx context.Context, messages []llm.Message, defs []llm.ToolDef) (*llm.Response, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, types.WrapError(types.KindTimeout, "chat cancelled", ctx.Err())
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	c.calls = append(c.calls, snapshot)
	if len(c.responses) == 0 {
		return &llm.Response{Content: "done"}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) push(resp *llm.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
}

type fixture struct {
	manager  *Manager
	store    *Store
	client   *scriptedClient
	executed *atomic.Int32 // reload_config invocations
	dbPath   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "threads.db")
	store, err := NewStore(dbPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var executed atomic.Int32
	reg := tools.NewRegistry(zap.NewNop())
	reg.MustRegister(&tools.Tool{
		Name:        "clock",
		Description: "read-only test tool",
		Schema:      tools.Schema{Properties: map[string]tools.Property{}},
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			return "12:00", nil
		},
	})
	reg.MustRegister(&tools.Tool{
		Name:        "reload_config",
		Description: "write-class test tool",
		Write:       true,
		Schema: tools.Schema{
			Required:   []string{"device"},
			Properties: map[string]tools.Property{"device": {Type: "string"}},
		},
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			if !call.Approved {
				return "", types.NeedsApproval("reload_config", call.Args)
			}
			executed.Add(1)
			return "reloaded", nil
		},
	})

	client := &scriptedClient{}
	manager := NewManager(store, client, reg, Config{SystemPrompt: "network assistant"}, zap.NewNop())
	return &fixture{manager: manager, store: store, client: client, executed: &executed, dbPath: dbPath}
}

func toolCallResponse(name string, args map[string]any) *llm.Response {
	return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: name, Args: args}}}
}

func TestSendPlainText(t *testing.T) {
	f := newFixture(t)
	f.client.push(&llm.Response{Content: "hello operator", Usage: llm.Usage{PromptTokens: 5, CompletionTokens: 2}})

	reply, err := f.manager.Send(context.Background(), "th-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, reply.State)
	assert.Equal(t, "hello operator", reply.Text)
	assert.Equal(t, 5, reply.Usage.PromptTokens)

	// Durable transcript: user then assistant.
	msgs, err := f.store.Messages("th-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, []int{1, 2}, []int{msgs[0].Seq, msgs[1].Seq})

	// System prompt rides on the model call, not in storage.
	require.NotEmpty(t, f.client.calls)
	assert.Equal(t, llm.RoleSystem, f.client.calls[0][0].Role)
}

func TestSendToolRound(t *testing.T) {
	f := newFixture(t)
	f.client.push(toolCallResponse("clock", map[string]any{}))
	f.client.push(&llm.Response{Content: "it is noon"})

	reply, err := f.manager.Send(context.Background(), "th-1", "what time?")
	require.NoError(t, err)
	assert.Equal(t, "it is noon", reply.Text)

	msgs, err := f.store.Messages("th-1")
	require.NoError(t, err)
	require.Len(t, msgs, 4) // user, assistant(tool call), tool, assistant
	assert.Equal(t, llm.RoleTool, msgs[2].Role)
	assert.Equal(t, "12:00", msgs[2].Content)
	assert.Equal(t, "call-1", msgs[2].ToolCallID)
}

func TestWriteToolInterrupts(t *testing.T) {
	f := newFixture(t)
	f.client.push(toolCallResponse("reload_config", map[string]any{"device": "R1"}))

	reply, err := f.manager.Send(context.Background(), "th-1", "reload R1")
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, reply.State)
	require.NotNil(t, reply.Interrupt)
	assert.Equal(t, "reload_config", reply.Interrupt.Tool)
	assert.NotEmpty(t, reply.Interrupt.Fingerprint)
	assert.Zero(t, f.executed.Load()) // nothing ran

	thread, err := f.store.Thread("th-1")
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, thread.State)

	// New messages are refused until the interrupt resolves.
	_, err = f.manager.Send(context.Background(), "th-1", "never mind")
	assert.Equal(t, types.KindBusy, types.KindOf(err))
}

func TestResumeApproveExecutesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.client.push(toolCallResponse("reload_config", map[string]any{"device": "R1"}))
	_, err := f.manager.Send(context.Background(), "th-1", "reload R1")
	require.NoError(t, err)

	f.client.push(&llm.Response{Content: "reload complete"})
	reply, err := f.manager.Resume(context.Background(), "th-1", true)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, reply.State)
	assert.Equal(t, "reload complete", reply.Text)
	assert.Equal(t, int32(1), f.executed.Load())

	// A client retry of resume finds no pending interrupt.
	_, err = f.manager.Resume(context.Background(), "th-1", true)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
	assert.Equal(t, int32(1), f.executed.Load())
}

func TestApprovalFingerprintDedup(t *testing.T) {
	f := newFixture(t)
	fresh, err := f.store.ConsumeApproval("th-1", "fp-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = f.store.ConsumeApproval("th-1", "fp-1")
	require.NoError(t, err)
	assert.False(t, fresh)

	// Other threads are independent.
	fresh, err = f.store.ConsumeApproval("th-2", "fp-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestResumeReject(t *testing.T) {
	f := newFixture(t)
	f.client.push(toolCallResponse("reload_config", map[string]any{"device": "R1"}))
	_, err := f.manager.Send(context.Background(), "th-1", "reload R1")
	require.NoError(t, err)

	f.client.push(&llm.Response{Content: "understood, not reloading"})
	reply, err := f.manager.Resume(context.Background(), "th-1", false)
	require.NoError(t, err)
	assert.Equal(t, "understood, not reloading", reply.Text)
	assert.Zero(t, f.executed.Load())

	msgs, err := f.store.Messages("th-1")
	require.NoError(t, err)
	var rejection *StoredMessage
	for i := range msgs {
		if msgs[i].Role == llm.RoleTool {
			rejection = &msgs[i]
		}
	}
	require.NotNil(t, rejection)
	assert.Equal(t, "rejected by operator", rejection.Content)
}

func TestBusyOnConcurrentSend(t *testing.T) {
	f := newFixture(t)
	f.client.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.manager.Send(context.Background(), "th-1", "slow question")
		assert.NoError(t, err)
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := f.manager.Send(context.Background(), "th-1", "second")
	assert.Equal(t, types.KindBusy, types.KindOf(err))

	// A different thread is independent.
	f2 := make(chan struct{})
	go func() {
		defer close(f2)
		_, err := f.manager.Send(context.Background(), "th-2", "hello")
		assert.NoError(t, err)
	}()

	close(f.client.block)
	<-done
	<-f2
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.client.push(toolCallResponse("reload_config", map[string]any{"device": "R1"}))
	_, err := f.manager.Send(context.Background(), "th-1", "reload R1")
	require.NoError(t, err)

	require.NoError(t, f.manager.Cancel("th-1"))
	thread, err := f.store.Thread("th-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, thread.State)

	pending, err := f.store.PendingInterrupt("th-1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	// Idempotent.
	require.NoError(t, f.manager.Cancel("th-1"))

	// Resume after cancel finds nothing pending.
	_, err = f.manager.Resume(context.Background(), "th-1", true)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestTranscriptReplayAcrossReopen(t *testing.T) {
	f := newFixture(t)
	f.client.push(toolCallResponse("clock", map[string]any{}))
	f.client.push(&llm.Response{Content: "noon"})
	_, err := f.manager.Send(context.Background(), "th-1", "time?")
	require.NoError(t, err)

	before, err := f.store.Messages("th-1")
	require.NoError(t, err)
	require.NoError(t, f.store.Close())

	reopened, err := NewStore(f.dbPath, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	after, err := reopened.Messages("th-1")
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("transcript changed across reopen (-before +after):\n%s", diff)
	}

	thread, err := reopened.Thread("th-1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, thread.State)
}

func TestHistoryLimit(t *testing.T) {
	f := newFixture(t)
	f.manager.cfg.HistoryLimit = 3

	for i := 0; i < 4; i++ {
		f.client.push(&llm.Response{Content: "ack"})
		_, err := f.manager.Send(context.Background(), "th-1", "ping")
		require.NoError(t, err)
	}

	last := f.client.calls[len(f.client.calls)-1]
	// System prompt plus at most 3 transcript messages.
	assert.Len(t, last, 4)
	assert.Equal(t, llm.RoleSystem, last[0].Role)
}

func TestThreadListing(t *testing.T) {
	f := newFixture(t)
	f.client.push(&llm.Response{Content: "a"})
	_, err := f.manager.Send(context.Background(), "th-a", "x")
	require.NoError(t, err)
	f.client.push(&llm.Response{Content: "b"})
	_, err = f.manager.Send(context.Background(), "th-b", "y")
	require.NoError(t, err)

	threads, err := f.store.Threads()
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "th-b", threads[0].ID) // most recent first

	_, err = f.store.Thread("th-missing")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}
