package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ===== AUDIT LOG =====
//
// Every device-facing operation lands one Entry in an append-only JSONL
// file, whether it succeeded or not. Writes go through a buffered channel
// so the execution hot path never blocks on disk; if the buffer fills the
// entry is dropped and counted.

// Entry is one audit record.
type Entry struct {
	Timestamp  time.Time `json:"ts"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Device     string    `json:"device,omitempty"`
	Operation  string    `json:"operation"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"dur_ms"`
	Bytes      int       `json:"bytes,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink receives audit entries.
type Sink interface {
	Record(e Entry)
	Close() error
}

// ===== FILE SINK =====

// FileSink appends JSONL entries to a single file.
type FileSink struct {
	file    *os.File
	ch      chan Entry
	done    chan struct{}
	dropped atomic.Int64
	closed  atomic.Bool
	wg      sync.WaitGroup
	log     *zap.Logger
}

const auditBuffer = 256

// NewFileSink opens (creating parents as needed) the audit file for append
// and starts the writer goroutine.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	s := &FileSink{
		file: f,
		ch:   make(chan Entry, auditBuffer),
		done: make(chan struct{}),
		log:  Named("audit"),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *FileSink) run() {
	defer s.wg.Done()
	for e := range s.ch {
		line, err := json.Marshal(e)
		if err != nil {
			s.log.Warn("audit marshal failed", zap.Error(err))
			continue
		}
		line = append(line, '\n')
		if _, err := s.file.Write(line); err != nil {
			s.log.Warn("audit write failed", zap.Error(err))
		}
	}
	close(s.done)
}

// Record enqueues an entry. Never blocks; on a full buffer the entry is
// dropped and the drop counter incremented.
func (s *FileSink) Record(e Entry) {
	if s.closed.Load() {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded due to backpressure.
func (s *FileSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains pending entries and closes the file.
func (s *FileSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.ch)
	<-s.done
	if n := s.dropped.Load(); n > 0 {
		s.log.Warn("audit entries dropped", zap.Int64("count", n))
	}
	return s.file.Close()
}

// ===== NOP SINK =====

// NopSink discards everything. Used by tests and by commands that do not
// touch devices.
type NopSink struct{}

func (NopSink) Record(Entry) {}
func (NopSink) Close() error { return nil }
