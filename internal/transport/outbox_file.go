package transport

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaymd/internal/syncengine"
)

const outboxPollInterval = 10 * time.Millisecond

// fileOutbox persists pending envelopes as JSON so attachments survive a
// restart of the editor process.
type fileOutbox struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []syncengine.Envelope
	closed       bool
}

type fileOutboxState struct {
	Items []syncengine.Envelope `json:"items"`
}

func NewFileOutbox(path string, capacity int) (Outbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	q := &fileOutbox{
		path:         path,
		capacity:     capacity,
		pollInterval: outboxPollInterval,
		items:        []syncengine.Envelope{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileOutbox) TryEnqueue(env syncengine.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, env)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileOutbox) Enqueue(ctx context.Context, env syncengine.Envelope) bool {
	for {
		if q.TryEnqueue(env) {
			return true
		}
		if q.isClosed() {
			return false
		}
		if err := waitWithContext(ctx, q.pollInterval); err != nil {
			return false
		}
	}
}

func (q *fileOutbox) Dequeue(ctx context.Context) (syncengine.Envelope, bool) {
	for {
		q.mu.Lock()
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			return syncengine.Envelope{}, false
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]syncengine.Envelope{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return syncengine.Envelope{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return syncengine.Envelope{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileOutbox) Requeue(env syncengine.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.items
	q.items = append([]syncengine.Envelope{env}, q.items...)
	if err := q.saveLocked(); err != nil {
		q.items = prev
		return false
	}
	return true
}

func (q *fileOutbox) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileOutbox) Capacity() int {
	return q.capacity
}

func (q *fileOutbox) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fileOutbox) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *fileOutbox) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileOutboxState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]syncengine.Envelope(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]syncengine.Envelope(nil), snapshot.Items...)
	return nil
}

func (q *fileOutbox) saveLocked() error {
	snapshot := fileOutboxState{
		Items: append([]syncengine.Envelope{}, q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
