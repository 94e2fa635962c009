package syncengine

import "sync"

// AttachmentQueue is an append-only sequence of pending attachments that is
// drained exactly once per flush. The queue is the single shared cell the
// engine reads at fire time; nothing captures its contents when a timer is
// armed.
type AttachmentQueue struct {
	mu    sync.Mutex
	items []PendingAttachment
}

func NewAttachmentQueue() *AttachmentQueue {
	return &AttachmentQueue{}
}

func (q *AttachmentQueue) Append(att PendingAttachment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, att)
}

// DrainAll returns every queued attachment in append order and leaves the
// queue empty, as one step relative to concurrent Append calls.
func (q *AttachmentQueue) DrainAll() []PendingAttachment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	if out == nil {
		return []PendingAttachment{}
	}
	return out
}

// Requeue puts a drained batch back in front of anything appended since the
// drain, preserving the original order.
func (q *AttachmentQueue) Requeue(items []PendingAttachment) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]PendingAttachment, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
}

func (q *AttachmentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *AttachmentQueue) Snapshot() []PendingAttachment {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAttachments(q.items)
}
