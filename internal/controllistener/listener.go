// Package controllistener implements ControlListener (spec.md §4.11): the
// Coordinator-side management surface (refresh/online/offline/tasks/
// query_tasks/health/readiness) plus the data-plane routes that make
// RequestRepeater reachable from an HTTP server. Grounded on the teacher's
// api.go — one struct holding every collaborator, handlers as methods, no
// separate controller/service split — with routing moved from the
// teacher's raw http.DefaultServeMux onto gorilla/mux (the pack's
// 4nonX-D-PlaneOS/daemon convention, already followed by
// internal/alarm.Listener).
package controllistener

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inferfleet/clusterctl/internal/clusternodes"
	"github.com/inferfleet/clusterctl/internal/idempotency"
	"github.com/inferfleet/clusterctl/internal/leaderelect"
	"github.com/inferfleet/clusterctl/internal/model"
	"github.com/inferfleet/clusterctl/internal/reqmanager"
	"github.com/inferfleet/clusterctl/internal/repeater"
	"github.com/inferfleet/clusterctl/internal/scheduler"
	"github.com/inferfleet/clusterctl/internal/timeline"
)

// Listener is the Coordinator's ControlListener: dispatcher shims in front
// of ClusterNodes/Scheduler/ReqManager, plus the one endpoint spec.md §4.11
// calls out as real cross-check logic (query_tasks, answered directly by
// reqmanager.Manager.QueryTasks — nothing further to add here).
type Listener struct {
	nodes  *clusternodes.ClusterNodes
	sched  *scheduler.Scheduler
	mgr    *reqmanager.Manager
	rep    *repeater.Repeater
	leader *leaderelect.LeaderAgent // nil on a Coordinator that doesn't run backup election

	hub  *debugHub
	tl   *timeline.Store     // nil unless SetTimeline is called
	idem *idempotency.Store // nil unless SetIdempotency is called

	refreshed atomic.Bool // true once at least one refresh has landed

	mu       sync.Mutex
	recvFlow uint64
}

// New wires a Listener to its collaborators. leader may be nil.
func New(nodes *clusternodes.ClusterNodes, sched *scheduler.Scheduler, mgr *reqmanager.Manager, rep *repeater.Repeater, leader *leaderelect.LeaderAgent) *Listener {
	l := &Listener{nodes: nodes, sched: sched, mgr: mgr, rep: rep, leader: leader}
	l.hub = newDebugHub(l)
	return l
}

// SetTimeline wires the same timeline.Store recording ReqManager/Scheduler
// stage transitions, exposing it read-only via GET /v1/debug/timeline.
// Optional — without it, that route answers an empty list rather than 404,
// since a debug endpoint with nothing to show is not itself an error.
func (l *Listener) SetTimeline(tl *timeline.Store) {
	l.tl = tl
}

// SetIdempotency wires a duplicate-reqId cache in front of the data-plane
// routes, per spec.md §7's RETRY_DUPLICATE_REQID -> 409 mapping. Optional —
// without it every submission is treated as novel, matching a deployment
// with no durable backend configured for dedup.
func (l *Listener) SetIdempotency(idem *idempotency.Store) {
	l.idem = idem
}

// Register attaches every route this component owns to r.
func (l *Listener) Register(r *mux.Router) {
	r.HandleFunc("/v1/instances/refresh", l.handleRefresh).Methods("POST")
	r.HandleFunc("/v1/instances/offline", l.handleOffline).Methods("POST")
	r.HandleFunc("/v1/instances/online", l.handleOnline).Methods("POST")
	r.HandleFunc("/v1/instances/tasks", l.handleTasks).Methods("GET")
	r.HandleFunc("/v1/instances/query_tasks", l.handleQueryTasks).Methods("POST")
	r.HandleFunc("/v1/coordinator_info", l.handleCoordinatorInfo).Methods("GET")
	r.HandleFunc("/recvs_info", l.handleRecvsInfo).Methods("GET")
	r.HandleFunc("/backup_info", l.handleBackupInfo).Methods("POST")

	r.HandleFunc("/v1/startup", l.handleLiveness).Methods("GET")
	r.HandleFunc("/v1/health", l.handleLiveness).Methods("GET")
	r.HandleFunc("/v2/health/live", l.handleLiveness).Methods("GET")
	r.HandleFunc("/v2/health/ready", l.handleReady).Methods("GET")
	r.HandleFunc("/v1/readiness", l.handleReadinessAndMaster).Methods("GET")
	r.HandleFunc("/v2/models/{model}/ready", l.handleModelReady).Methods("GET")

	r.HandleFunc("/v1/debug/stream", l.hub.handleStream)
	r.HandleFunc("/v1/debug/timeline", l.handleTimeline).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	l.registerDataPlane(r)
}

func instanceFromWire(w instanceWire) *model.ClusterInstance {
	return &model.ClusterInstance{
		ID:          w.ID,
		Role:        model.ParseRole(w.StaticInfo.Role),
		IP:          w.IP,
		Port:        w.Port,
		AvailSlots:  w.DynamicInfo.AvailSlotsNum,
		AvailBlocks: w.DynamicInfo.AvailBlockNum,
		TotalSlots:  w.StaticInfo.TotalSlotsNum,
		TotalBlocks: w.StaticInfo.TotalBlockNum,
		Peers:       w.DynamicInfo.Peers,
		PrefixHash:  w.DynamicInfo.PrefixHash,
		GroupID:     w.StaticInfo.GroupID,
		FlexPRatio:  w.StaticInfo.PPercentage,
	}
}
