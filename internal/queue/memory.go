package queue

import (
	"context"
	"sync"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

// Memory is an in-process queue for tests and local development. It records
// every enqueued item and optionally fans them out over a channel.
type Memory struct {
	mu     sync.Mutex
	items  []catalog.QueuedItem
	ch     chan catalog.QueuedItem
	closed bool
}

var _ catalog.Queue = (*Memory)(nil)

// NewMemory creates a Memory queue with the given channel buffer.
func NewMemory(buffer int) *Memory {
	return &Memory{ch: make(chan catalog.QueuedItem, buffer)}
}

// EnqueueItems records the items and pushes them onto the channel, dropping
// on overflow the way a lossy real queue might.
func (q *Memory) EnqueueItems(_ context.Context, items []catalog.QueuedItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	for _, item := range items {
		q.items = append(q.items, item)
		select {
		case q.ch <- item:
		default:
		}
	}
	return nil
}

// Enabled reports true.
func (*Memory) Enabled() bool { return true }

// Close closes the fan-out channel.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// Items returns a copy of everything enqueued so far.
func (q *Memory) Items() []catalog.QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]catalog.QueuedItem(nil), q.items...)
}

// C exposes the fan-out channel for consumers.
func (q *Memory) C() <-chan catalog.QueuedItem { return q.ch }
