// Package logging owns the process logger and the audit sink. Components
// take named sub-loggers (logging.Named("fleet")) instead of building their
// own zap instances, so level and encoding are configured in one place.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	root   *zap.Logger = zap.NewNop()
	inited bool
)

// Options configures the process logger.
type Options struct {
	Level  string // debug, info, warn, error (default info)
	Format string // json or console (default console)
}

// Init builds the process logger. Safe to call once at startup; later calls
// replace the root (used by tests).
func Init(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "json"
	if opts.Format != "json" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	root = logger
	inited = true
	mu.Unlock()
	return nil
}

// L returns the root logger. Before Init it is a nop, so init-order bugs
// stay silent rather than panicking.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Named returns a component-scoped logger.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync flushes buffered entries. Called from the CLI's exit path.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if inited {
		_ = root.Sync()
	}
}

// SetForTest swaps in a test logger and returns a restore func.
func SetForTest(l *zap.Logger) func() {
	mu.Lock()
	prev := root
	root = l
	mu.Unlock()
	return func() {
		mu.Lock()
		root = prev
		mu.Unlock()
	}
}
