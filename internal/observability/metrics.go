// Package observability registers the Coordinator/Controller's Prometheus
// metrics. Grounded on the teacher's control_plane/observability/metrics.go
// (one package of promauto-registered collectors, consulted directly by
// name from the packages that own the numbers), narrowed to the gauges and
// counters this domain's components actually have a number for — the
// teacher's reconciliation-intent metrics (IntentAgeSeconds, DBPendingStates,
// IntegritySkew, ...) have no analogue here since there's no intent/DB
// reconciliation loop in this system, and were dropped rather than
// renamed-and-faked.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerQueueDepth tracks the number of pending allocations waiting
	// on Scheduler's worker loop.
	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterctl_scheduler_queue_depth",
		Help: "Current number of pending allocations in the scheduler queue",
	})

	// TaskQueueDepth breaks SchedulerQueueDepth down by allocation kind
	// (single_node vs pd_pair) — the nearest analogue to the teacher's
	// priority-labeled variant of the same number.
	TaskQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterctl_task_queue_depth",
		Help: "Current number of pending allocations in the scheduler queue, by kind",
	}, []string{"kind"})

	// QueueOldestTaskAge tracks how long the oldest pending allocation has
	// been waiting, labeled by allocation kind rather than the teacher's
	// tenant/priority pair — this domain has no tenant-scoped queue.
	QueueOldestTaskAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterctl_queue_oldest_task_age_seconds",
		Help: "Age of the oldest pending allocation in the scheduler queue in seconds",
	}, []string{"kind"})

	// SchedulerLoopDuration tracks one worker-tick's processNextTask pass.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clusterctl_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler worker-loop tick",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerAdmissionWaitSeconds tracks time an allocation spends queued
	// before a pick fires its notify hook.
	SchedulerAdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clusterctl_scheduler_admission_wait_seconds",
		Help:    "Time a pending allocation waits before a worker is chosen for it",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// SchedulerDecisions counts every allocation outcome by kind/outcome.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterctl_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"kind", "outcome"}) // outcome: allocated, requeued, timed_out

	// SchedulerRejections counts allocations Submit refused outright —
	// the circuit breaker tripping admission.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterctl_scheduler_rejections_total",
		Help: "Allocations rejected by the scheduler's circuit breaker",
	}, []string{"reason"})

	// SchedulerCircuitState mirrors CircuitBreaker.GetState() as a gauge
	// (0=closed, 1=half_open, 2=open), matching the teacher's own encoding.
	SchedulerCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterctl_scheduler_circuit_state",
		Help: "Scheduler circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// SchedulerModeMetric reports the scheduler's configured policy as a
	// label so an operator can see which policy a given deployment runs
	// without grepping config.
	SchedulerModeMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterctl_scheduler_policy",
		Help: "Active scheduler policy (1=active for its label)",
	}, []string{"policy"})

	// LeaderEpoch mirrors LeaderAgent.Epoch() for the local node.
	LeaderEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterctl_leader_epoch",
		Help: "Current fencing epoch observed by this process's LeaderAgent",
	})

	// LeaderTransitions counts promote/demote events.
	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterctl_leader_transitions_total",
		Help: "Total number of leadership promote/demote transitions",
	}, []string{"event"}) // promote, demote

	// ConnectedWorkers tracks the size of ClusterNodes' live instance map.
	ConnectedWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterctl_connected_workers",
		Help: "Current number of worker instances known to ClusterNodes",
	}, []string{"role"})

	// RequestRetries/RequestSuccesses back a retry-burn-rate computation
	// the same way the teacher's TaskRetries/TaskSuccesses do.
	RequestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clusterctl_request_retries_total",
		Help: "Total number of request retry attempts issued by RequestRepeater",
	})
	RequestSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clusterctl_request_success_total",
		Help: "Total number of requests that reached FINISHED",
	})

	// AlarmsRaised counts every alarm AlarmPipeline accepts, by category.
	AlarmsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterctl_alarms_raised_total",
		Help: "Total number of alarms accepted by the alarm pipeline",
	}, []string{"category", "severity"})

	// AlarmsDropped counts alarms dropped from a full queue; the pipeline
	// evicts its oldest queued alarm to admit the new one.
	AlarmsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clusterctl_alarms_dropped_total",
		Help: "Total number of alarms dropped because the pipeline queue was full",
	})
)
