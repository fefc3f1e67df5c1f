// Package scheduler implements the Coordinator's Scheduler (spec.md §4.9):
// a pluggable policy that picks a worker, or a (P,D) pair, for each pending
// request and fires its notify hook exactly once. Grounded on the teacher's
// scheduler package shape — a priority queue drained by one worker
// goroutine, backpressure enforced by a CircuitBreaker, decisions logged as
// structured events — generalized from reconciliation tasks to request
// allocation.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/inferfleet/clusterctl/internal/model"
	"github.com/inferfleet/clusterctl/internal/observability"
	"github.com/inferfleet/clusterctl/internal/timeline"
)

// RequestSummary answers QueryRequestSummary — a coarse view of scheduler
// backlog for the readiness/health surface (spec.md §6).
type RequestSummary struct {
	QueueDepth    int
	ActiveTasks   int
	CircuitState  string
	InstanceCount int
}

// Scheduler owns the Coordinator's live view of schedulable instances and
// the single worker loop that drains pending allocations against it.
type Scheduler struct {
	mu        sync.RWMutex
	instances map[uint64]*model.ClusterInstance
	blockSize int

	policy Policy
	queue  *ThreadSafeQueue
	cb     *CircuitBreaker
	cfg    Config

	pdNotify      PDNotifyFunc
	singleNotify  SingleNodeNotifyFunc
	timeoutNotify TimeoutFunc
	notifyMu      sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	tl *timeline.Store
}

// SetTimeline wires a timeline.Store to record QUEUED/SCHEDULED stage
// transitions. Optional, and must be set before Start — Submit/
// processNextTask read it without a lock of their own.
func (s *Scheduler) SetTimeline(tl *timeline.Store) {
	s.tl = tl
}

func (s *Scheduler) record(reqID string, stage timeline.Stage) {
	if s.tl == nil {
		return
	}
	s.tl.Record(timeline.Event{ReqID: reqID, Stage: stage})
}

// New creates a Scheduler running the named policy (cfg.Policy).
func New(cfg Config) *Scheduler {
	policyName := cfg.Policy
	if policyName == "" {
		policyName = "load-balance"
	}
	observability.SchedulerModeMetric.WithLabelValues(policyName).Set(1)
	return &Scheduler{
		instances: make(map[uint64]*model.ClusterInstance),
		policy:    policyByName(cfg.Policy),
		queue:     NewThreadSafeQueue(),
		cb:        NewCircuitBreaker(cfg.QueueAlarmDepth),
		cfg:       cfg,
	}
}

func policyByName(name string) Policy {
	switch name {
	case "cache-affinity":
		return NewCacheAffinityPolicy()
	case "round-robin":
		return NewRoundRobinPolicy()
	default:
		return LoadBalancePolicy{}
	}
}

// RegisterInstance adds or wholesale-replaces one instance's scheduling
// view. Closed state is preserved across a re-register so a periodic
// refresh can't accidentally reopen a drained slot.
func (s *Scheduler) RegisterInstance(inst *model.ClusterInstance) {
	cp := *inst
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[cp.ID]; ok {
		cp.Closed = existing.Closed
	}
	s.instances[cp.ID] = &cp
}

// UpdateInstance refreshes the dynamic figures of an already-registered
// instance (avail slots/blocks, running tasks, health, prefix hash) without
// touching its Closed latch. A call for an unknown id is a no-op — the
// refresh that should have preceded it was presumably dropped upstream.
func (s *Scheduler) UpdateInstance(inst *model.ClusterInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.instances[inst.ID]
	if !ok {
		return
	}
	existing.AvailSlots = inst.AvailSlots
	existing.AvailBlocks = inst.AvailBlocks
	existing.TotalSlots = inst.TotalSlots
	existing.TotalBlocks = inst.TotalBlocks
	existing.RunningTasks = inst.RunningTasks
	existing.HealthScore = inst.HealthScore
	existing.PrefixHash = inst.PrefixHash
	existing.Peers = inst.Peers
}

// RemoveInstance drops an instance from scheduling consideration entirely
// (distinct from CloseInstance — used when the instance is gone, not just
// draining).
func (s *Scheduler) RemoveInstance(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
}

// CloseInstance marks instances as ineligible for new allocations. Existing
// in-flight requests against them are unaffected.
func (s *Scheduler) CloseInstance(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if inst, ok := s.instances[id]; ok {
			inst.Closed = true
		}
	}
}

// ActivateInstance reopens previously closed instances for new allocations.
func (s *Scheduler) ActivateInstance(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if inst, ok := s.instances[id]; ok {
			inst.Closed = false
		}
	}
}

// QueryInstanceScheduleInfo returns a deep-copy snapshot of every known
// instance, for the management/debug surface.
func (s *Scheduler) QueryInstanceScheduleInfo() []*model.ClusterInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ClusterInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// Lookup returns a copy of one instance's current scheduling view, for
// RequestRepeater to resolve a notified id to a dial address.
func (s *Scheduler) Lookup(id uint64) (*model.ClusterInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// QueryRequestSummary reports coarse backlog figures for readiness checks.
func (s *Scheduler) QueryRequestSummary() RequestSummary {
	s.mu.RLock()
	active := 0
	for _, inst := range s.instances {
		active += inst.RunningTasks
	}
	count := len(s.instances)
	s.mu.RUnlock()

	return RequestSummary{
		QueueDepth:    s.queue.Len(),
		ActiveTasks:   active,
		CircuitState:  s.cb.GetState().String(),
		InstanceCount: count,
	}
}

// SetBlockSize records the fleet-wide KV block size advertised by workers,
// used by callers translating token counts into block counts.
func (s *Scheduler) SetBlockSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockSize = n
}

// BlockSize returns the block size last set by SetBlockSize.
func (s *Scheduler) BlockSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockSize
}

// RegisterPDNotifyAllocation installs the hook fired exactly once per
// successfully allocated PD request.
func (s *Scheduler) RegisterPDNotifyAllocation(fn PDNotifyFunc) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.pdNotify = fn
}

// RegisterSingleNodeNotifyAllocation installs the hook fired exactly once
// per successfully allocated single-node request.
func (s *Scheduler) RegisterSingleNodeNotifyAllocation(fn SingleNodeNotifyFunc) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.singleNotify = fn
}

// RegisterTimeoutNotify installs the hook fired when a pending allocation
// exceeds scheduleTimeout without landing — ExceptionMonitor's SCHEDULE_TIMEOUT
// path (spec.md §4.9) hangs off this.
func (s *Scheduler) RegisterTimeoutNotify(fn TimeoutFunc) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.timeoutNotify = fn
}

// Submit enqueues a pending allocation, subject to the circuit breaker's
// backpressure check against current queue depth and fleet saturation.
func (s *Scheduler) Submit(a *PendingAllocation) error {
	if a.SubmitTime.IsZero() {
		a.SubmitTime = time.Now()
	}
	timeout := s.cfg.ScheduleTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ScheduleTimeout
	}
	if a.Deadline.IsZero() {
		a.Deadline = a.SubmitTime.Add(timeout)
	}
	if a.Exclude == nil {
		a.Exclude = make(map[uint64]bool)
	}

	saturation := s.saturation()
	if !s.cb.ShouldAdmit(s.queue.Len(), saturation) {
		observability.SchedulerRejections.WithLabelValues("circuit_open").Inc()
		observability.SchedulerCircuitState.Set(float64(s.cb.GetState()))
		return fmt.Errorf("scheduler: circuit breaker open (queue=%d saturation=%.2f)", s.queue.Len(), saturation)
	}

	s.queue.Push(a)
	s.record(a.ReqID, timeline.StageQueued)

	kindLabel := allocationKindLabel(a.Kind)
	observability.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	observability.TaskQueueDepth.WithLabelValues(kindLabel).Set(float64(s.queue.Len()))
	observability.SchedulerCircuitState.Set(float64(s.cb.GetState()))
	return nil
}

func allocationKindLabel(k PendingKind) string {
	if k == PendingPDPair {
		return "pd_pair"
	}
	return "single_node"
}

func (s *Scheduler) saturation() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.instances) == 0 {
		return 0
	}
	total, running := 0, 0
	for _, inst := range s.instances {
		total++
		if inst.RunningTasks > 0 {
			running++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(running) / float64(total)
}

// Start launches the worker loop that drains the pending queue.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.worker(ctx)
}

// Stop halts the worker loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	tick := s.cfg.WorkerTickInterval
	if tick <= 0 {
		tick = DefaultConfig().WorkerTickInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processNextTask()
		}
	}
}

func (s *Scheduler) processNextTask() {
	start := time.Now()
	defer func() {
		observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
	}()

	if oldest := s.queue.Peek(); oldest != nil {
		observability.QueueOldestTaskAge.WithLabelValues(allocationKindLabel(oldest.Kind)).Set(time.Since(oldest.SubmitTime).Seconds())
	}

	a := s.queue.Pop()
	if a == nil {
		return
	}
	kindLabel := allocationKindLabel(a.Kind)

	if time.Now().After(a.Deadline) {
		observability.SchedulerDecisions.WithLabelValues(kindLabel, "timed_out").Inc()
		s.notifyMu.RLock()
		fn := s.timeoutNotify
		s.notifyMu.RUnlock()
		if fn != nil {
			fn(a.ReqID)
		}
		return
	}

	ok := s.tryAllocate(a)
	if !ok {
		observability.SchedulerDecisions.WithLabelValues(kindLabel, "requeued").Inc()
		s.queue.PushDelayed(a, tick(s.cfg.WorkerTickInterval))
		return
	}
	observability.SchedulerDecisions.WithLabelValues(kindLabel, "allocated").Inc()
	observability.SchedulerAdmissionWaitSeconds.Observe(time.Since(a.SubmitTime).Seconds())
}

func tick(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultConfig().WorkerTickInterval
	}
	return d
}

func (s *Scheduler) tryAllocate(a *PendingAllocation) bool {
	switch a.Kind {
	case PendingSingleNode:
		return s.tryAllocateSingleNode(a)
	case PendingPDPair:
		return s.tryAllocatePDPair(a)
	default:
		log.Printf("scheduler: request %s has unknown allocation kind %d, dropping", a.ReqID, a.Kind)
		return true
	}
}

func (s *Scheduler) candidatesByRole(role model.Role) []*model.ClusterInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ClusterInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		if inst.Role == role {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out
}

func (s *Scheduler) applyPrefixHash(a *PendingAllocation) {
	ca, ok := s.policy.(*CacheAffinityPolicy)
	if !ok {
		return
	}
	s.mu.Lock()
	s.policy = ca.WithPrefixHash(a.PrefixHash)
	s.mu.Unlock()
}

func (s *Scheduler) allCandidates() []*model.ClusterInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ClusterInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

func (s *Scheduler) tryAllocateSingleNode(a *PendingAllocation) bool {
	s.applyPrefixHash(a)
	candidates := s.allCandidates()

	s.mu.RLock()
	policy := s.policy
	s.mu.RUnlock()

	id, ok := policy.ChooseSingleNode(candidates, a.Exclude)
	if !ok {
		return false
	}
	s.occupy(id, 1)

	s.notifyMu.RLock()
	fn := s.singleNotify
	s.notifyMu.RUnlock()
	if fn != nil {
		fn(a.ReqID, id)
	}
	s.record(a.ReqID, timeline.StageScheduled)
	return true
}

func (s *Scheduler) tryAllocatePDPair(a *PendingAllocation) bool {
	s.applyPrefixHash(a)
	prefill := s.candidatesByRole(model.RolePrefill)
	decode := s.candidatesByRole(model.RoleDecode)

	s.mu.RLock()
	policy := s.policy
	s.mu.RUnlock()

	pID, dID, ok := policy.ChoosePDPair(prefill, decode, a.Exclude)
	if !ok {
		return false
	}
	s.occupy(pID, 1)
	s.occupy(dID, 1)

	s.notifyMu.RLock()
	fn := s.pdNotify
	s.notifyMu.RUnlock()
	if fn != nil {
		fn(a.ReqID, pID, dID)
	}
	s.record(a.ReqID, timeline.StageScheduled)
	return true
}

// occupy marks delta additional running tasks against an instance, clamping
// its avail figures so a back-to-back allocation pass in the same tick
// cannot double-book the same slot. PREFILL is metered in slots, DECODE in
// blocks; a plain single-node worker is metered in slots.
func (s *Scheduler) occupy(id uint64, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return
	}
	inst.RunningTasks += delta
	if inst.Role == model.RoleDecode {
		if inst.AvailBlocks > 0 {
			inst.AvailBlocks--
		}
		return
	}
	if inst.AvailSlots > 0 {
		inst.AvailSlots--
	}
}
