package leaderelect

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/inferfleet/clusterctl/internal/observability"
)

// Role is the LeaderAgent's promotion state.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "LEADER"
	}
	return "FOLLOWER"
}

// RoleHandler receives promotion/demotion notifications. firstTime is true
// only on the agent's very first promotion (normal startup, no alarm);
// every subsequent promotion in the same process lifetime is a recovery
// and should be treated as notable — this mirrors the original
// mHasSetRole flag's purpose of suppressing the alarm on first promotion
// only.
type RoleHandler interface {
	OnPromote(firstTime bool)
	OnDemote()
}

// LeaderAgent holds a distributed lease under a well-known key via a
// DistributedLockPolicy and calls RoleHandler hooks on state transitions.
// Grounded on the teacher's coordination.LeaderElector, restructured per
// the interface-based RoleHandler redesign (virtual inheritance in the
// original is not idiomatic Go).
type LeaderAgent struct {
	policy     DistributedLockPolicy
	epochs     EpochStore
	resourceID string
	nodeID     string
	handler    RoleHandler

	acquireInterval time.Duration

	mu           sync.RWMutex
	role         Role
	hasSetRole   bool
	currentEpoch int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLeaderAgent(policy DistributedLockPolicy, epochs EpochStore, resourceID, nodeID string, handler RoleHandler) *LeaderAgent {
	return &LeaderAgent{
		policy:          policy,
		epochs:          epochs,
		resourceID:      resourceID,
		nodeID:          nodeID,
		handler:         handler,
		acquireInterval: 2 * time.Second,
		role:            RoleFollower,
	}
}

// Start begins attempting acquisition and registers the loss callback with
// the underlying policy. Call once.
func (a *LeaderAgent) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.policy.RegisterCallBack(a.onPolicyCallback)
	a.wg.Add(1)
	go a.acquireLoop(ctx)
}

func (a *LeaderAgent) acquireLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.acquireInterval)
	defer ticker.Stop()

	a.tryAcquire(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.Role() == RoleFollower {
				a.tryAcquire(ctx)
			}
		}
	}
}

func (a *LeaderAgent) tryAcquire(ctx context.Context) {
	ok, err := a.policy.TryLock(ctx)
	if err != nil {
		log.Printf("leaderelect: node %s TryLock failed: %v", a.nodeID, err)
		return
	}
	if !ok {
		return
	}
	a.promote(ctx)
}

// onPolicyCallback is the DistributedLockPolicy's RegisterCallBack hook.
// locked=false means the lease was lost underneath us and demotes;
// locked=true (a renewal race re-acquiring) promotes when the agent is a
// FOLLOWER and is a no-op when it is already LEADER.
func (a *LeaderAgent) onPolicyCallback(locked bool) {
	if !locked {
		a.demote()
		return
	}
	if a.Role() == RoleFollower {
		a.promote(context.Background())
	}
}

func (a *LeaderAgent) promote(ctx context.Context) {
	epoch, err := a.epochs.IncrementDurableEpoch(ctx, a.resourceID)
	if err != nil {
		log.Printf("leaderelect: node %s failed to increment durable epoch, aborting promotion: %v", a.nodeID, err)
		if relErr := a.policy.Unlock(ctx); relErr != nil {
			log.Printf("leaderelect: rollback unlock failed: %v", relErr)
		}
		return
	}

	a.mu.Lock()
	a.role = RoleLeader
	a.currentEpoch = epoch
	firstTime := !a.hasSetRole
	a.hasSetRole = true
	a.mu.Unlock()

	a.policy.Start(ctx)
	log.Printf("leaderelect: node %s promoted to LEADER, epoch=%d, firstTime=%v", a.nodeID, epoch, firstTime)
	observability.LeaderEpoch.Set(float64(epoch))
	observability.LeaderTransitions.WithLabelValues("promote").Inc()
	if a.handler != nil {
		a.handler.OnPromote(firstTime)
	}
}

func (a *LeaderAgent) demote() {
	a.mu.Lock()
	if a.role == RoleFollower {
		a.mu.Unlock()
		return
	}
	a.role = RoleFollower
	a.mu.Unlock()

	log.Printf("leaderelect: node %s demoted to FOLLOWER", a.nodeID)
	observability.LeaderTransitions.WithLabelValues("demote").Inc()
	if a.handler != nil {
		a.handler.OnDemote()
	}
}

func (a *LeaderAgent) Role() Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.role
}

// IsLeader is a convenience wrapper for callers that only care about the
// boolean gate (StatusUpdater's "am I leader" loops, for instance).
func (a *LeaderAgent) IsLeader() bool {
	return a.Role() == RoleLeader
}

func (a *LeaderAgent) Epoch() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentEpoch
}

// Stop demotes if currently leader, stops the policy, and halts the
// acquisition loop.
func (a *LeaderAgent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.Role() == RoleLeader {
		a.demote()
	}
	a.policy.Stop()
}
