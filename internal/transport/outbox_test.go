package transport

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaymd/internal/syncengine"
)

func env(id string) syncengine.Envelope {
	return syncengine.Envelope{ID: id, Content: "content " + id, Attachments: []syncengine.PendingAttachment{}}
}

func TestMemoryOutboxOrderAndRequeue(t *testing.T) {
	q := NewMemoryOutbox(2)
	if !q.TryEnqueue(env("a")) || !q.TryEnqueue(env("b")) {
		t.Fatalf("expected enqueue to succeed")
	}
	if q.TryEnqueue(env("c")) {
		t.Fatalf("expected enqueue beyond capacity to fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := q.Dequeue(ctx)
	if !ok || first.ID != "a" {
		t.Fatalf("expected a, got %+v", first)
	}
	q.Requeue(first)
	again, _ := q.Dequeue(ctx)
	if again.ID != "a" {
		t.Fatalf("expected requeued envelope first, got %s", again.ID)
	}
	next, _ := q.Dequeue(ctx)
	if next.ID != "b" {
		t.Fatalf("expected b, got %s", next.ID)
	}
}

func TestMemoryOutboxDequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemoryOutbox(0)
	got := make(chan syncengine.Envelope, 1)
	go func() {
		e, _ := q.Dequeue(context.Background())
		got <- e
	}()
	time.Sleep(10 * time.Millisecond)
	q.TryEnqueue(env("late"))
	select {
	case e := <-got:
		if e.ID != "late" {
			t.Fatalf("expected late, got %s", e.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue did not wake up")
	}
}

func TestMemoryOutboxCloseUnblocksDequeue(t *testing.T) {
	q := NewMemoryOutbox(0)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(context.Background())
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	_ = q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected dequeue to report closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not unblock dequeue")
	}
}

func TestFileOutboxSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox", "pending.json")
	q, err := NewFileOutbox(path, 8)
	if err != nil {
		t.Fatalf("new file outbox: %v", err)
	}
	withAttachment := env("img")
	withAttachment.Attachments = []syncengine.PendingAttachment{{Payload: "data:image/png;base64,QUJD", OriginalName: "a.png", MatchKey: "data:image/png;base64,QUJD", MimeType: "image/png"}}
	q.TryEnqueue(env("text"))
	q.TryEnqueue(withAttachment)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, _ := q.Dequeue(ctx)
	if !q.Requeue(first) {
		t.Fatalf("expected requeue to persist")
	}

	reopened, err := NewFileOutbox(path, 8)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("expected 2 persisted envelopes, got %d", reopened.Depth())
	}
	a, _ := reopened.Dequeue(ctx)
	b, _ := reopened.Dequeue(ctx)
	if a.ID != "text" || b.ID != "img" || len(b.Attachments) != 1 {
		t.Fatalf("unexpected persisted order: %+v %+v", a, b)
	}
}

func TestFileOutboxTrimsToCapacityOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	q, err := NewFileOutbox(path, 4)
	if err != nil {
		t.Fatalf("new file outbox: %v", err)
	}
	for _, id := range []string{"1", "2", "3"} {
		q.TryEnqueue(env(id))
	}
	small, err := NewFileOutbox(path, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if small.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", small.Depth())
	}
}

func TestOutboxEnqueueStopsWhenClosed(t *testing.T) {
	outboxes := map[string]func(t *testing.T) Outbox{
		"memory": func(*testing.T) Outbox { return NewMemoryOutbox(1) },
		"file": func(t *testing.T) Outbox {
			q, err := NewFileOutbox(filepath.Join(t.TempDir(), "q.json"), 1)
			if err != nil {
				t.Fatalf("new file outbox: %v", err)
			}
			return q
		},
	}
	for name, build := range outboxes {
		t.Run(name, func(t *testing.T) {
			q := build(t)
			if !q.TryEnqueue(env("a")) {
				t.Fatalf("expected first enqueue to succeed")
			}
			done := make(chan bool, 1)
			go func() { done <- q.Enqueue(context.Background(), env("b")) }()
			select {
			case ok := <-done:
				t.Fatalf("expected enqueue on a full outbox to wait, got %v", ok)
			case <-time.After(30 * time.Millisecond):
			}
			if err := q.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			select {
			case ok := <-done:
				if ok {
					t.Fatalf("expected enqueue to fail after close")
				}
			case <-time.After(time.Second):
				t.Fatalf("expected close to unblock enqueue")
			}
			if q.Enqueue(context.Background(), env("c")) {
				t.Fatalf("expected enqueue on a closed outbox to fail")
			}
			if q.Depth() != 1 {
				t.Fatalf("expected depth 1, got %d", q.Depth())
			}
		})
	}
}

func TestBuildOutboxFromDSN(t *testing.T) {
	mem, err := BuildOutboxFromDSN("", 0)
	if err != nil || mem == nil {
		t.Fatalf("expected memory outbox, got %v %v", mem, err)
	}
	path := filepath.Join(t.TempDir(), "q.json")
	file, err := BuildOutboxFromDSN("file://"+path, 4)
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if file.Capacity() != 4 {
		t.Fatalf("expected capacity 4, got %d", file.Capacity())
	}
	for _, dsn := range []string{"redis://localhost:6379", "gopher://x"} {
		if _, err := BuildOutboxFromDSN(dsn, 0); err == nil || !strings.Contains(err.Error(), "unsupported outbox scheme") {
			t.Fatalf("%s: expected unsupported scheme error, got %v", dsn, err)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	b := backoff{base: 100 * time.Millisecond, max: time.Second}
	if d := b.delay(1, ""); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", d)
	}
	if d := b.delay(3, ""); d != 400*time.Millisecond {
		t.Fatalf("expected 400ms, got %s", d)
	}
	if d := b.delay(10, ""); d != time.Second {
		t.Fatalf("expected cap, got %s", d)
	}
	if d := b.delay(1, "5"); d != time.Second {
		t.Fatalf("expected Retry-After capped, got %s", d)
	}
}
