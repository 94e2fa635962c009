package transport

import (
	"context"
	"sync"

	"github.com/agentworkforce/relaymd/internal/syncengine"
)

const defaultOutboxCapacity = 1024

// Outbox holds envelopes accepted from the sync engine until they are
// delivered to the host.
type Outbox interface {
	TryEnqueue(env syncengine.Envelope) bool
	Enqueue(ctx context.Context, env syncengine.Envelope) bool
	Dequeue(ctx context.Context) (syncengine.Envelope, bool)
	// Requeue puts an envelope that could not be delivered back at the front.
	Requeue(env syncengine.Envelope) bool
	Depth() int
	Capacity() int
	Close() error
}

type memoryOutbox struct {
	mu       sync.Mutex
	items    []syncengine.Envelope
	capacity int
	ready    chan struct{}
	closed   bool
}

func NewMemoryOutbox(capacity int) Outbox {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	return &memoryOutbox{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

func (q *memoryOutbox) TryEnqueue(env syncengine.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, env)
	q.signal()
	return true
}

func (q *memoryOutbox) Enqueue(ctx context.Context, env syncengine.Envelope) bool {
	for {
		if q.TryEnqueue(env) {
			return true
		}
		if q.isClosed() {
			return false
		}
		if err := waitWithContext(ctx, outboxPollInterval); err != nil {
			return false
		}
	}
}

func (q *memoryOutbox) Dequeue(ctx context.Context) (syncengine.Envelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return syncengine.Envelope{}, false
		}
		select {
		case <-ctx.Done():
			return syncengine.Envelope{}, false
		case <-q.ready:
		}
	}
}

func (q *memoryOutbox) Requeue(env syncengine.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append([]syncengine.Envelope{env}, q.items...)
	q.signal()
	return true
}

func (q *memoryOutbox) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryOutbox) Capacity() int {
	return q.capacity
}

func (q *memoryOutbox) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
	return nil
}

func (q *memoryOutbox) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *memoryOutbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
