package scheduler

import (
	"time"

	"github.com/inferfleet/clusterctl/internal/model"
)

// Policy selects the instance(s) for one pending allocation. Implementations
// must not block — Scheduler's worker loop retries on the next tick if a
// policy returns ok=false.
type Policy interface {
	// ChooseSingleNode picks one instance for a single-node request, skipping
	// any id present in exclude (already-failed ids on a retry pass).
	ChooseSingleNode(candidates []*model.ClusterInstance, exclude map[uint64]bool) (id uint64, ok bool)
	// ChoosePDPair picks a (P,D) pair for a PD-separate request. Load-balance
	// and cache-affinity prefer a D in the P's group and fall back to the
	// best D in any group; round-robin does not consider groups.
	ChoosePDPair(prefill, decode []*model.ClusterInstance, exclude map[uint64]bool) (pID, dID uint64, ok bool)
	// Name identifies the policy for metrics/logging.
	Name() string
}

// PendingKind distinguishes the two allocation shapes a request may need.
type PendingKind int

const (
	PendingSingleNode PendingKind = iota
	PendingPDPair
)

// PendingAllocation is one request waiting on the scheduler's worker loop.
type PendingAllocation struct {
	ReqID      string
	Kind       PendingKind
	TenantID   string
	PrefixHash []uint64
	Exclude    map[uint64]bool
	SubmitTime time.Time
	Deadline   time.Time
}

// PDNotifyFunc is fired exactly once per PD request, on successful allocation.
type PDNotifyFunc func(reqID string, pID, dID uint64)

// SingleNodeNotifyFunc is fired exactly once per single-node request.
type SingleNodeNotifyFunc func(reqID string, id uint64)

// TimeoutFunc is fired exactly once per request whose scheduleTimeout fires
// before an allocation lands.
type TimeoutFunc func(reqID string)

// Config bounds the scheduler's worker loop and default timeouts.
type Config struct {
	Policy             string // "load-balance", "cache-affinity", "round-robin"
	ScheduleTimeout    time.Duration
	QueueAlarmDepth    int // ThreadSafeQueue depth that opens the circuit breaker
	WorkerTickInterval time.Duration
}

// DefaultConfig returns production defaults grounded on scheduleTimeout
// being a short, tight budget relative to inference latency.
func DefaultConfig() Config {
	return Config{
		Policy:             "load-balance",
		ScheduleTimeout:    10 * time.Second,
		QueueAlarmDepth:    1000,
		WorkerTickInterval: 50 * time.Millisecond,
	}
}
