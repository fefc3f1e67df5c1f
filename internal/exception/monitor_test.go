package exception

import (
	"sync"
	"testing"
	"time"

	"github.com/inferfleet/clusterctl/internal/errs"
)

func TestRaiseDispatchesToRegisteredHandler(t *testing.T) {
	m := New()
	m.Start()
	defer m.Stop()

	var mu sync.Mutex
	var got Event
	done := make(chan struct{})
	m.Register(errs.SendPErr, func(e Event) {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
	})

	m.Raise(Event{Kind: errs.SendPErr, ReqID: "r1", NodeID: 7})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for handler dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ReqID != "r1" || got.NodeID != 7 {
		t.Fatalf("unexpected event delivered: %+v", got)
	}
}

func TestRaiseWithNoHandlerDoesNotBlockOrPanic(t *testing.T) {
	m := New()
	m.Start()
	defer m.Stop()
	m.Raise(Event{Kind: errs.NotFound})
	// No assertion beyond "this returns and Stop doesn't hang" — absence of
	// a registered handler must be a no-op, not a crash.
}

func TestMultipleHandlersForSameKindAllRun(t *testing.T) {
	m := New()
	m.Start()
	defer m.Stop()

	var mu sync.Mutex
	calls := 0
	var wg sync.WaitGroup
	wg.Add(2)
	h := func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		wg.Done()
	}
	m.Register(errs.ConnPErr, h)
	m.Register(errs.ConnPErr, h)

	m.Raise(Event{Kind: errs.ConnPErr})

	waitOrTimeout(t, &wg, time.Second)
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected both handlers to run, got %d calls", calls)
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timed out waiting for handlers")
	}
}

func TestStopDrainsQueuedEventsBeforeExiting(t *testing.T) {
	m := New()
	var mu sync.Mutex
	seen := 0
	m.Register(errs.DecodeDisConn, func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	m.Start()
	for i := 0; i < 5; i++ {
		m.Raise(Event{Kind: errs.DecodeDisConn})
	}
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	if seen != 5 {
		t.Fatalf("expected all 5 queued events drained before Stop returns, got %d", seen)
	}
}
