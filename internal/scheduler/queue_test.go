package scheduler

import (
	"testing"
	"time"
)

func TestThreadSafeQueuePopsOldestFirst(t *testing.T) {
	q := NewThreadSafeQueue()
	now := time.Now()
	q.Push(&PendingAllocation{ReqID: "b", SubmitTime: now.Add(2 * time.Second)})
	q.Push(&PendingAllocation{ReqID: "a", SubmitTime: now})
	q.Push(&PendingAllocation{ReqID: "c", SubmitTime: now.Add(5 * time.Second)})

	if got := q.Pop().ReqID; got != "a" {
		t.Fatalf("expected oldest submit time first, got %q", got)
	}
	if got := q.Pop().ReqID; got != "b" {
		t.Fatalf("expected second-oldest next, got %q", got)
	}
}

func TestThreadSafeQueuePopEmptyReturnsNil(t *testing.T) {
	q := NewThreadSafeQueue()
	if q.Pop() != nil {
		t.Fatalf("expected nil from an empty queue")
	}
}

func TestThreadSafeQueueRemoveDropsMatchingReqID(t *testing.T) {
	q := NewThreadSafeQueue()
	q.Push(&PendingAllocation{ReqID: "a", SubmitTime: time.Now()})
	q.Push(&PendingAllocation{ReqID: "b", SubmitTime: time.Now()})
	q.Remove("a")
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining after Remove, got %d", q.Len())
	}
	if got := q.Pop().ReqID; got != "b" {
		t.Fatalf("expected the surviving entry to be %q, got %q", "b", got)
	}
}

func TestThreadSafeQueuePushDelayedLandsLater(t *testing.T) {
	q := NewThreadSafeQueue()
	q.PushDelayed(&PendingAllocation{ReqID: "x", SubmitTime: time.Now()}, 20*time.Millisecond)
	if q.Len() != 0 {
		t.Fatalf("expected the delayed push to not have landed yet")
	}
	time.Sleep(60 * time.Millisecond)
	if q.Len() != 1 {
		t.Fatalf("expected the delayed push to have landed")
	}
}
