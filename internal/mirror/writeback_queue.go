package mirror

import (
	"context"
	"sync"
	"time"
)

// WritebackQueueItem is the immutable payload handed to the write-back worker.
type WritebackQueueItem struct {
	OpID          string            `json:"opId"`
	Source        string            `json:"source"`
	WorkspaceID   string            `json:"workspaceId"`
	ExternalID    string            `json:"externalId"`
	Patch         map[string]string `json:"patch"`
	CorrelationID string            `json:"correlationId,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`
}

// WritebackQueue delivers each item at most once: Dequeue removes the item
// before the worker attempts the push.
type WritebackQueue interface {
	TryEnqueue(item WritebackQueueItem) bool
	Enqueue(ctx context.Context, item WritebackQueueItem) bool
	Dequeue(ctx context.Context) (WritebackQueueItem, bool)
	Depth() int
	Capacity() int
	Close() error
}

type writebackQueueSnapshotter interface {
	SnapshotWritebacks() []WritebackQueueItem
}

type inMemoryWritebackQueue struct {
	ch      chan WritebackQueueItem
	mu      sync.Mutex
	pending map[string]WritebackQueueItem
}

func NewInMemoryWritebackQueue(capacity int) WritebackQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryWritebackQueue{
		ch:      make(chan WritebackQueueItem, capacity),
		pending: map[string]WritebackQueueItem{},
	}
}

func (q *inMemoryWritebackQueue) TryEnqueue(item WritebackQueueItem) bool {
	if q == nil || item.OpID == "" {
		return false
	}
	select {
	case q.ch <- item:
		q.track(item)
		return true
	default:
		return false
	}
}

func (q *inMemoryWritebackQueue) Enqueue(ctx context.Context, item WritebackQueueItem) bool {
	if q == nil || item.OpID == "" {
		return false
	}
	select {
	case q.ch <- item:
		q.track(item)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryWritebackQueue) Dequeue(ctx context.Context) (WritebackQueueItem, bool) {
	if q == nil {
		return WritebackQueueItem{}, false
	}
	select {
	case item := <-q.ch:
		q.mu.Lock()
		delete(q.pending, item.OpID)
		q.mu.Unlock()
		return item, true
	case <-ctx.Done():
		return WritebackQueueItem{}, false
	}
}

func (q *inMemoryWritebackQueue) track(item WritebackQueueItem) {
	q.mu.Lock()
	q.pending[item.OpID] = item
	q.mu.Unlock()
}

func (q *inMemoryWritebackQueue) SnapshotWritebacks() []WritebackQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]WritebackQueueItem, 0, len(q.pending))
	for _, item := range q.pending {
		out = append(out, item)
	}
	return out
}

func (q *inMemoryWritebackQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryWritebackQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryWritebackQueue) Close() error {
	return nil
}
