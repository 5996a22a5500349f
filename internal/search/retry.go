package search

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// retryQueue re-embeds documents whose embedding failed at upsert time.
// Paths are deduplicated; the worker drains on a slow ticker so a down
// embedding backend is probed, not hammered.
type retryQueue struct {
	idx *Index

	mu      sync.Mutex
	pending map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

const retryInterval = 2 * time.Minute

func newRetryQueue(idx *Index) *retryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &retryQueue{
		idx:     idx,
		pending: make(map[string]struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.run(ctx)
	return q
}

func (q *retryQueue) enqueue(path string) {
	q.mu.Lock()
	q.pending[path] = struct{}{}
	q.mu.Unlock()
}

func (q *retryQueue) stop() {
	q.cancel()
	<-q.done
}

func (q *retryQueue) run(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

func (q *retryQueue) drain(ctx context.Context) {
	q.mu.Lock()
	paths := make([]string, 0, len(q.pending))
	for p := range q.pending {
		paths = append(paths, p)
	}
	q.mu.Unlock()

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		q.idx.mu.RLock()
		doc, ok := q.idx.docs[path]
		q.idx.mu.RUnlock()
		if !ok || q.idx.engine == nil {
			// Removed since it was queued, or vectors are off entirely.
			q.forget(path)
			continue
		}

		vec, err := q.idx.engine.Embed(ctx, doc.embedText())
		if err != nil {
			// Backend still down. Stop this pass; the rest stays queued.
			q.idx.log.Debug("embed retry still failing", zap.String("path", path), zap.Error(err))
			return
		}
		updated := *doc
		updated.Embedding = vec
		if err := q.idx.store(&updated); err != nil {
			q.idx.log.Warn("failed to store retried embedding", zap.String("path", path), zap.Error(err))
			continue
		}
		q.forget(path)
		q.idx.log.Info("backfilled embedding", zap.String("path", path))
	}
}

func (q *retryQueue) forget(path string) {
	q.mu.Lock()
	delete(q.pending, path)
	q.mu.Unlock()
}
