package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"olav/internal/llm"
	"olav/internal/tools"
	"olav/internal/types"
)

// Config tunes the manager.
type Config struct {
	// HistoryLimit caps how many transcript messages are sent to the model
	// (most recent wins). <=0 means 100.
	HistoryLimit int
	// MaxSessions caps threads with in-flight work. <=0 means 50.
	MaxSessions int
	// MaxToolRounds caps tool-call loops per message. <=0 means 8.
	MaxToolRounds int
	// SystemPrompt is prepended to every model call.
	SystemPrompt string
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 50
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 8
	}
}

// Reply is the outcome of one Send/Resume.
type Reply struct {
	ThreadID string `json:"thread_id"`
	State    string `json:"state"`
	Text     string `json:"text,omitempty"`

	// Interrupt is set when the thread suspended for approval.
	Interrupt *Interrupt `json:"interrupt,omitempty"`

	Usage llm.Usage `json:"usage"`
}

// Manager drives threads: one FSM per thread, strict per-thread
// serialization, durable transcript, approval interrupts.
type Manager struct {
	store  *Store
	client llm.Client
	tools  *tools.Registry
	cfg    Config
	log    *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // threads with in-flight work
}

// NewManager wires the manager.
func NewManager(store *Store, client llm.Client, reg *tools.Registry, cfg Config, log *zap.Logger) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:  store,
		client: client,
		tools:  reg,
		cfg:    cfg,
		log:    log,
		active: make(map[string]context.CancelFunc),
	}
}

// Store exposes the thread store for read-only callers (CLI listings).
func (m *Manager) Store() *Store { return m.store }

// ===== THREAD SERIALIZATION =====

// acquire claims exclusive entry on a thread. Busy when the thread already
// has in-flight work or the process session cap is reached.
func (m *Manager) acquire(threadID string) (context.Context, context.CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, inFlight := m.active[threadID]; inFlight {
		return nil, nil, types.Errorf(types.KindBusy, "thread %s already has a request in flight", threadID)
	}
	if len(m.active) >= m.cfg.MaxSessions {
		return nil, nil, types.Errorf(types.KindBusy, "session limit reached (%d concurrent)", m.cfg.MaxSessions)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.active[threadID] = cancel
	return ctx, cancel, nil
}

func (m *Manager) release(threadID string, cancel context.CancelFunc) {
	cancel()
	m.mu.Lock()
	delete(m.active, threadID)
	m.mu.Unlock()
}

// ===== FSM ENTRY POINTS =====

// Send appends the operator's message and runs the agent loop until the
// model produces text or suspends for approval.
func (m *Manager) Send(ctx context.Context, threadID, text string) (*Reply, error) {
	thread, err := m.store.EnsureThread(threadID)
	if err != nil {
		return nil, err
	}
	if thread.State == StateInterrupted {
		return nil, types.Errorf(types.KindBusy, "thread %s awaits approval; resume or cancel first", threadID)
	}

	runCtx, cancel, err := m.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer m.release(threadID, cancel)
	runCtx = joinCancel(runCtx, ctx)

	if _, err := m.store.Append(threadID, llm.Message{Role: llm.RoleUser, Content: text}); err != nil {
		return nil, err
	}
	if err := m.store.SetState(threadID, StateRunning); err != nil {
		return nil, err
	}
	return m.loop(runCtx, threadID, llm.Usage{})
}

// Resume resolves the thread's pending interrupt. Approval re-invokes the
// suspended call exactly once (the fingerprint dedup absorbs client
// retries); rejection feeds a rejection result back to the model.
func (m *Manager) Resume(ctx context.Context, threadID string, approve bool) (*Reply, error) {
	thread, err := m.store.Thread(threadID)
	if err != nil {
		return nil, err
	}
	if thread.State != StateInterrupted {
		return nil, types.Errorf(types.KindNotFound, "thread %s has no pending interrupt", threadID)
	}
	interrupt, err := m.store.PendingInterrupt(threadID)
	if err != nil {
		return nil, err
	}
	if interrupt == nil {
		return nil, types.Errorf(types.KindNotFound, "thread %s has no pending interrupt", threadID)
	}

	runCtx, cancel, err := m.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer m.release(threadID, cancel)
	runCtx = joinCancel(runCtx, ctx)

	var toolMsg llm.Message
	if approve {
		toolMsg = m.approvedResult(runCtx, threadID, interrupt)
	} else {
		toolMsg = llm.Message{
			Role:       llm.RoleTool,
			Content:    "rejected by operator",
			ToolCallID: interrupt.CallID,
			ToolName:   interrupt.Tool,
		}
	}

	if _, err := m.store.Append(threadID, toolMsg); err != nil {
		return nil, err
	}
	status := InterruptRejected
	if approve {
		status = InterruptApproved
	}
	if err := m.store.ResolveInterrupt(interrupt.ID, status); err != nil {
		return nil, err
	}
	if err := m.store.SetState(threadID, StateRunning); err != nil {
		return nil, err
	}
	m.log.Info("interrupt resolved",
		zap.String("thread", threadID),
		zap.String("tool", interrupt.Tool),
		zap.String("status", status))
	return m.loop(runCtx, threadID, llm.Usage{})
}

// approvedResult runs the approved call, unless a previous resume already
// consumed this fingerprint.
func (m *Manager) approvedResult(ctx context.Context, threadID string, interrupt *Interrupt) llm.Message {
	msg := llm.Message{Role: llm.RoleTool, ToolCallID: interrupt.CallID, ToolName: interrupt.Tool}

	fresh, err := m.store.ConsumeApproval(threadID, interrupt.Fingerprint)
	if err != nil {
		msg.Content = "error: " + err.Error()
		return msg
	}
	if !fresh {
		// A crashed or retried resume already executed this call.
		msg.Content = "already executed by a previous approval"
		return msg
	}

	out, err := m.tools.Execute(ctx, interrupt.Tool, tools.Call{
		Args:     interrupt.Args,
		ThreadID: threadID,
		Approved: true,
	})
	if err != nil {
		msg.Content = "error: " + err.Error()
		return msg
	}
	msg.Content = out
	return msg
}

// Cancel aborts in-flight work and clears any pending interrupt. Cancelling
// an already-cancelled thread is a no-op.
func (m *Manager) Cancel(threadID string) error {
	thread, err := m.store.Thread(threadID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if cancel, ok := m.active[threadID]; ok {
		cancel()
	}
	m.mu.Unlock()

	if interrupt, err := m.store.PendingInterrupt(threadID); err == nil && interrupt != nil {
		if err := m.store.ResolveInterrupt(interrupt.ID, InterruptCancelled); err != nil {
			return err
		}
	}
	if thread.State == StateCancelled {
		return nil
	}
	m.log.Info("thread cancelled", zap.String("thread", threadID))
	return m.store.SetState(threadID, StateCancelled)
}

// ===== AGENT LOOP =====

func (m *Manager) loop(ctx context.Context, threadID string, usage llm.Usage) (*Reply, error) {
	for round := 0; round < m.cfg.MaxToolRounds; round++ {
		transcript, err := m.transcript(threadID)
		if err != nil {
			return nil, err
		}
		resp, err := m.client.Chat(ctx, transcript, m.tools.Defs())
		if err != nil {
			// The model failing must not wedge the thread in Running.
			_ = m.store.SetState(threadID, StateIdle)
			return nil, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens

		if _, err := m.store.Append(threadID, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}); err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			if err := m.store.SetState(threadID, StateIdle); err != nil {
				return nil, err
			}
			return &Reply{ThreadID: threadID, State: StateIdle, Text: resp.Content, Usage: usage}, nil
		}

		for _, call := range resp.ToolCalls {
			out, err := m.tools.Execute(ctx, call.Name, tools.Call{
				Args:     call.Args,
				ThreadID: threadID,
			})
			if req, ok := types.ApprovalOf(err); ok {
				interrupt, rerr := m.store.RecordInterrupt(uuid.NewString(), threadID, call.ID, req)
				if rerr != nil {
					return nil, rerr
				}
				if serr := m.store.SetState(threadID, StateInterrupted); serr != nil {
					return nil, serr
				}
				m.log.Info("thread interrupted for approval",
					zap.String("thread", threadID),
					zap.String("tool", req.Tool),
					zap.String("fingerprint", req.Fingerprint))
				return &Reply{ThreadID: threadID, State: StateInterrupted, Interrupt: interrupt, Usage: usage}, nil
			}
			if err != nil {
				out = "error: " + err.Error()
			}
			if _, aerr := m.store.Append(threadID, llm.Message{
				Role:       llm.RoleTool,
				Content:    out,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}); aerr != nil {
				return nil, aerr
			}
		}
	}

	_ = m.store.SetState(threadID, StateIdle)
	return nil, types.Errorf(types.KindInternal, "tool loop exceeded %d rounds on thread %s", m.cfg.MaxToolRounds, threadID)
}

// transcript builds the model input: system prompt plus the most recent
// HistoryLimit messages.
func (m *Manager) transcript(threadID string) ([]llm.Message, error) {
	stored, err := m.store.Messages(threadID)
	if err != nil {
		return nil, err
	}
	if len(stored) > m.cfg.HistoryLimit {
		stored = stored[len(stored)-m.cfg.HistoryLimit:]
	}
	out := make([]llm.Message, 0, len(stored)+1)
	if m.cfg.SystemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: m.cfg.SystemPrompt})
	}
	for _, msg := range stored {
		out = append(out, msg.Message)
	}
	return out, nil
}

// joinCancel derives a context cancelled when either input is.
func joinCancel(primary, secondary context.Context) context.Context {
	if secondary == nil || secondary == context.Background() {
		return primary
	}
	ctx, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
