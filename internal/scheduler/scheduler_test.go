package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inferfleet/clusterctl/internal/model"
)

func newTestScheduler() *Scheduler {
	cfg := DefaultConfig()
	cfg.WorkerTickInterval = 5 * time.Millisecond
	cfg.ScheduleTimeout = 200 * time.Millisecond
	return New(cfg)
}

func TestSchedulerAllocatesSingleNodeAndFiresNotifyOnce(t *testing.T) {
	s := newTestScheduler()
	s.RegisterInstance(&model.ClusterInstance{ID: 1, Role: model.RolePrefill, AvailSlots: 5, HealthScore: 1})

	var mu sync.Mutex
	calls := 0
	var gotID uint64
	s.RegisterSingleNodeNotifyAllocation(func(reqID string, id uint64) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotID = id
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	if err := s.Submit(&PendingAllocation{ReqID: "r1", Kind: PendingSingleNode}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		c := calls
		mu.Unlock()
		if c > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one notify call, got %d", calls)
	}
	if gotID != 1 {
		t.Fatalf("expected allocation to land on id 1, got %d", gotID)
	}
}

func TestSchedulerAllocatesPDPair(t *testing.T) {
	s := newTestScheduler()
	s.RegisterInstance(&model.ClusterInstance{ID: 1, Role: model.RolePrefill, GroupID: "g", AvailSlots: 5, HealthScore: 1})
	s.RegisterInstance(&model.ClusterInstance{ID: 2, Role: model.RoleDecode, GroupID: "g", AvailBlocks: 5, HealthScore: 1})

	done := make(chan [2]uint64, 1)
	s.RegisterPDNotifyAllocation(func(reqID string, pID, dID uint64) {
		done <- [2]uint64{pID, dID}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	if err := s.Submit(&PendingAllocation{ReqID: "r1", Kind: PendingPDPair}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case ids := <-done:
		if ids[0] != 1 || ids[1] != 2 {
			t.Fatalf("expected P=1 D=2, got %v", ids)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for PD allocation")
	}
}

func TestSchedulerFiresTimeoutWhenNoCapacity(t *testing.T) {
	s := newTestScheduler()
	// No instances registered at all — allocation can never land.

	done := make(chan string, 1)
	s.RegisterTimeoutNotify(func(reqID string) { done <- reqID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	if err := s.Submit(&PendingAllocation{ReqID: "r1", Kind: PendingSingleNode}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case reqID := <-done:
		if reqID != "r1" {
			t.Fatalf("expected timeout for r1, got %q", reqID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the scheduler's own timeout notification")
	}
}

func TestCloseInstanceExcludesFromNewAllocations(t *testing.T) {
	s := newTestScheduler()
	s.RegisterInstance(&model.ClusterInstance{ID: 1, Role: model.RolePrefill, AvailSlots: 5, HealthScore: 1})
	s.CloseInstance([]uint64{1})

	candidates := s.allCandidates()
	if _, ok := LoadBalancePolicy{}.ChooseSingleNode(candidates, nil); ok {
		t.Fatalf("expected a closed instance to never be chosen")
	}

	s.ActivateInstance([]uint64{1})
	candidates = s.allCandidates()
	if _, ok := LoadBalancePolicy{}.ChooseSingleNode(candidates, nil); !ok {
		t.Fatalf("expected the reactivated instance to be chosen again")
	}
}

func TestRegisterInstancePreservesClosedAcrossRefresh(t *testing.T) {
	s := New(DefaultConfig())
	s.RegisterInstance(&model.ClusterInstance{ID: 1, Role: model.RolePrefill, AvailSlots: 5})
	s.CloseInstance([]uint64{1})

	s.RegisterInstance(&model.ClusterInstance{ID: 1, Role: model.RolePrefill, AvailSlots: 9})

	info := s.QueryInstanceScheduleInfo()
	if len(info) != 1 || !info[0].Closed {
		t.Fatalf("expected the re-registered instance to remain closed, got %+v", info)
	}
}

func TestUpdateInstanceIsNoOpForUnknownID(t *testing.T) {
	s := New(DefaultConfig())
	s.UpdateInstance(&model.ClusterInstance{ID: 99, AvailSlots: 1})
	if len(s.QueryInstanceScheduleInfo()) != 0 {
		t.Fatalf("expected UpdateInstance on an unknown id to be a no-op")
	}
}

func TestQueryRequestSummaryReportsInstanceAndQueueCounts(t *testing.T) {
	s := New(DefaultConfig())
	s.RegisterInstance(&model.ClusterInstance{ID: 1, Role: model.RolePrefill})
	s.queue.Push(&PendingAllocation{ReqID: "a", SubmitTime: time.Now()})

	summary := s.QueryRequestSummary()
	if summary.InstanceCount != 1 || summary.QueueDepth != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestSetBlockSizeRoundTrips(t *testing.T) {
	s := New(DefaultConfig())
	s.SetBlockSize(16)
	if s.BlockSize() != 16 {
		t.Fatalf("expected BlockSize to round-trip, got %d", s.BlockSize())
	}
}
