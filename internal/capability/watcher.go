package capability

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ===== FILE WATCHER =====

// Watcher observes the import directories and reloads the registry after
// edits settle. Rapid saves are debounced so an editor writing a file in
// several chunks triggers one reload, not five.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	log         *zap.Logger
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for the status surface.
type WatcherStats struct {
	Events        int
	Reloads       int
	ReloadErrors  int
	LastEventTime time.Time
	LastEventPath string
}

// NewWatcher creates a watcher over the registry's import directories.
func NewWatcher(reg *Registry, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		watcher:     fw,
		registry:    reg,
		log:         log,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine
// until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range []string{w.registry.commandsDir, w.registry.apisDir} {
		if err := w.watcher.Add(dir); err != nil {
			// Directory may not exist yet; reload still works on demand.
			w.log.Warn("watch failed", zap.String("dir", dir), zap.Error(err))
		}
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.log.Warn("error closing watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		case <-ticker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isImportFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebounced triggers a single reload once every pending event has
// settled past the debounce window.
func (w *Watcher) processDebounced() {
	w.mu.Lock()
	if len(w.debounceMap) == 0 {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	for _, eventTime := range w.debounceMap {
		if now.Sub(eventTime) < w.debounceDur {
			// Something is still being written; wait for the next tick.
			w.mu.Unlock()
			return
		}
	}
	changed := len(w.debounceMap)
	w.debounceMap = make(map[string]time.Time)
	w.mu.Unlock()

	if _, err := w.registry.Reload(); err != nil {
		w.mu.Lock()
		w.stats.ReloadErrors++
		w.mu.Unlock()
		w.log.Error("reload after file change failed", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.stats.Reloads++
	w.mu.Unlock()
	w.log.Info("capabilities reloaded after file change", zap.Int("files_changed", changed))
}

// Stats returns a copy of the watcher counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func isImportFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".yaml", ".yml", ".json":
		return !strings.HasPrefix(filepath.Base(name), "_")
	}
	return false
}
