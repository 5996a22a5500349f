// Package session is the conversation layer: durable threads, the
// Idle/Running/Interrupted/Cancelled FSM, and the approval protocol that
// suspends a thread whenever the model reaches for a write-class tool.
package session

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"olav/internal/llm"
	"olav/internal/types"
)

// Thread states.
const (
	StateIdle        = "idle"
	StateRunning     = "running"
	StateInterrupted = "interrupted"
	StateCancelled   = "cancelled"
)

// Interrupt resolutions.
const (
	InterruptPending   = "pending"
	InterruptApproved  = "approved"
	InterruptRejected  = "rejected"
	InterruptCancelled = "cancelled"
)

// Thread is one durable conversation.
type Thread struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is one transcript entry with its monotonic sequence number.
type StoredMessage struct {
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	llm.Message
}

// Interrupt is a suspended write-class call awaiting a human.
type Interrupt struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	CallID      string         `json:"call_id"` // model tool-call this answers
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	Fingerprint string         `json:"fingerprint"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Store persists threads in SQLite. Every append and transition commits
// before the call returns; a crash after an ack never loses transcript.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// NewStore opens (creating if needed) the thread database.
func NewStore(dbPath string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.WrapError(types.KindInternal, "failed to create thread db dir", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to open thread db", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to enable WAL on thread db", zap.Error(err))
	}

	s := &Store{db: db, log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS threads (
		id         TEXT PRIMARY KEY,
		state      TEXT NOT NULL DEFAULT 'idle',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		thread_id    TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		tool_calls   TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name    TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL,
		PRIMARY KEY (thread_id, seq)
	);
	CREATE TABLE IF NOT EXISTS interrupts (
		id          TEXT PRIMARY KEY,
		thread_id   TEXT NOT NULL,
		call_id     TEXT NOT NULL DEFAULT '',
		tool        TEXT NOT NULL,
		args        TEXT NOT NULL DEFAULT '{}',
		fingerprint TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		created_at  DATETIME NOT NULL,
		resolved_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_interrupts_thread ON interrupts(thread_id, status);
	CREATE TABLE IF NOT EXISTS approvals (
		thread_id   TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		approved_at DATETIME NOT NULL,
		PRIMARY KEY (thread_id, fingerprint)
	)`)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to initialize thread schema", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ===== THREADS =====

// EnsureThread creates the thread when missing and returns it either way.
func (s *Store) EnsureThread(id string) (*Thread, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO threads (id, state, created_at, updated_at) VALUES (?, 'idle', ?, ?)`,
		id, now, now)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to create thread", err)
	}
	return s.Thread(id)
}

// Thread fetches one thread.
func (s *Store) Thread(id string) (*Thread, error) {
	var t Thread
	err := s.db.QueryRow(`SELECT id, state, created_at, updated_at FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.State, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.Errorf(types.KindNotFound, "thread %q not found", id)
	}
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to load thread", err)
	}
	return &t, nil
}

// Threads lists all threads, most recently active first.
func (s *Store) Threads() ([]Thread, error) {
	rows, err := s.db.Query(`SELECT id, state, created_at, updated_at FROM threads ORDER BY updated_at DESC`)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to list threads", err)
	}
	defer rows.Close()
	var out []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.State, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, types.WrapError(types.KindInternal, "failed to scan thread", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetState transitions the thread.
func (s *Store) SetState(id, state string) error {
	res, err := s.db.Exec(`UPDATE threads SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to set thread state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Errorf(types.KindNotFound, "thread %q not found", id)
	}
	return nil
}

// ===== MESSAGES =====

// Append writes one message with the next sequence number and returns it.
// The insert commits before return; the ack is the durability point.
func (s *Store) Append(threadID string, msg llm.Message) (int, error) {
	var calls string
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return 0, types.WrapError(types.KindInternal, "failed to encode tool calls", err)
		}
		calls = string(data)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, types.WrapError(types.KindInternal, "failed to begin append", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = ?`, threadID).Scan(&seq); err != nil {
		return 0, types.WrapError(types.KindInternal, "failed to allocate sequence", err)
	}
	now := time.Now().UTC()
	_, err = tx.Exec(`INSERT INTO messages (thread_id, seq, role, content, tool_calls, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		threadID, seq, msg.Role, msg.Content, calls, msg.ToolCallID, msg.ToolName, now)
	if err != nil {
		return 0, types.WrapError(types.KindInternal, "failed to append message", err)
	}
	if _, err := tx.Exec(`UPDATE threads SET updated_at = ? WHERE id = ?`, now, threadID); err != nil {
		return 0, types.WrapError(types.KindInternal, "failed to touch thread", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, types.WrapError(types.KindInternal, "failed to commit append", err)
	}
	return seq, nil
}

// Messages returns the full transcript in sequence order.
func (s *Store) Messages(threadID string) ([]StoredMessage, error) {
	rows, err := s.db.Query(`SELECT seq, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to load messages", err)
	}
	defer rows.Close()
	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var calls string
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &calls, &m.ToolCallID, &m.ToolName, &m.CreatedAt); err != nil {
			return nil, types.WrapError(types.KindInternal, "failed to scan message", err)
		}
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
				return nil, types.WrapError(types.KindInternal, "corrupt tool calls in transcript", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ===== INTERRUPTS =====

// RecordInterrupt stores a pending approval and returns it.
func (s *Store) RecordInterrupt(id, threadID, callID string, req *types.ApprovalRequest) (*Interrupt, error) {
	args, err := json.Marshal(req.Args)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to encode interrupt args", err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`INSERT INTO interrupts (id, thread_id, call_id, tool, args, fingerprint, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		id, threadID, callID, req.Tool, string(args), req.Fingerprint, now)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to record interrupt", err)
	}
	return &Interrupt{
		ID: id, ThreadID: threadID, CallID: callID,
		Tool: req.Tool, Args: req.Args, Fingerprint: req.Fingerprint,
		Status: InterruptPending, CreatedAt: now,
	}, nil
}

// PendingInterrupt returns the thread's pending interrupt, nil when none.
func (s *Store) PendingInterrupt(threadID string) (*Interrupt, error) {
	var in Interrupt
	var args string
	err := s.db.QueryRow(`SELECT id, thread_id, call_id, tool, args, fingerprint, status, created_at
		FROM interrupts WHERE thread_id = ? AND status = 'pending' ORDER BY created_at LIMIT 1`, threadID).
		Scan(&in.ID, &in.ThreadID, &in.CallID, &in.Tool, &args, &in.Fingerprint, &in.Status, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to load interrupt", err)
	}
	if err := json.Unmarshal([]byte(args), &in.Args); err != nil {
		return nil, types.WrapError(types.KindInternal, "corrupt interrupt args", err)
	}
	return &in, nil
}

// ResolveInterrupt marks an interrupt approved, rejected or cancelled.
func (s *Store) ResolveInterrupt(id, status string) error {
	res, err := s.db.Exec(`UPDATE interrupts SET status = ?, resolved_at = ? WHERE id = ? AND status = 'pending'`,
		status, time.Now().UTC(), id)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to resolve interrupt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Errorf(types.KindNotFound, "no pending interrupt %q", id)
	}
	return nil
}

// ConsumeApproval records the fingerprint as executed. Returns false when a
// previous resume already consumed it — the caller must not re-invoke.
func (s *Store) ConsumeApproval(threadID, fingerprint string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO approvals (thread_id, fingerprint, approved_at) VALUES (?, ?, ?)`,
		threadID, fingerprint, time.Now().UTC())
	if err != nil {
		return false, types.WrapError(types.KindInternal, "failed to consume approval", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.WrapError(types.KindInternal, "failed to consume approval", err)
	}
	return n == 1, nil
}
