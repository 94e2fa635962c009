package syncengine

import (
	"fmt"
	"sync"
	"testing"
)

func TestAttachmentQueueDrainAllReturnsAppendOrderAndEmpties(t *testing.T) {
	q := NewAttachmentQueue()
	q.Append(PendingAttachment{OriginalName: "a.png"})
	q.Append(PendingAttachment{OriginalName: "b.png"})

	got := q.DrainAll()
	if len(got) != 2 || got[0].OriginalName != "a.png" || got[1].OriginalName != "b.png" {
		t.Fatalf("unexpected drain order: %+v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after drain, got %d", q.Len())
	}
	if again := q.DrainAll(); again == nil || len(again) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", again)
	}
}

func TestAttachmentQueueRequeueGoesInFront(t *testing.T) {
	q := NewAttachmentQueue()
	q.Append(PendingAttachment{OriginalName: "first"})
	drained := q.DrainAll()
	q.Append(PendingAttachment{OriginalName: "later"})
	q.Requeue(drained)

	got := q.Snapshot()
	if len(got) != 2 || got[0].OriginalName != "first" || got[1].OriginalName != "later" {
		t.Fatalf("unexpected order after requeue: %+v", got)
	}
}

func TestAttachmentQueueConcurrentAppendNeverLosesItems(t *testing.T) {
	q := NewAttachmentQueue()
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	var drainedMu sync.Mutex
	drained := 0
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				q.Append(PendingAttachment{OriginalName: fmt.Sprintf("%d-%d", w, i)})
				if i%10 == 0 {
					n := len(q.DrainAll())
					drainedMu.Lock()
					drained += n
					drainedMu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()
	drained += len(q.DrainAll())
	if drained != writers*perWriter {
		t.Fatalf("expected %d attachments drained, got %d", writers*perWriter, drained)
	}
}
