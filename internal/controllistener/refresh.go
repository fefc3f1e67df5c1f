package controllistener

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/inferfleet/clusterctl/internal/clusternodes"
	"github.com/inferfleet/clusterctl/internal/model"
)

// handleRefresh answers POST /v1/instances/refresh: replace ClusterNodes'
// view wholesale (it expands any FLEX entries itself), then push the same
// expanded set into Scheduler so the two components' instance sets never
// drift apart across a topology change.
func (l *Listener) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var payload refreshPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	instances := make([]*model.ClusterInstance, 0, len(payload.Instances))
	for _, iw := range payload.Instances {
		instances = append(instances, instanceFromWire(iw))
	}

	if err := l.nodes.Refresh(payload.IDs, instances); err != nil {
		writeErr(w, err)
		return
	}
	l.syncScheduler()
	l.refreshed.Store(true)
	w.WriteHeader(http.StatusOK)
}

// syncScheduler reconciles Scheduler's instance set against ClusterNodes'
// latest (already flex-expanded) view: drop ids Scheduler still knows about
// that the refresh no longer reports, register/update the rest.
func (l *Listener) syncScheduler() {
	current := l.nodes.All()
	seen := make(map[uint64]bool, len(current))
	for _, inst := range current {
		seen[inst.ID] = true
		l.sched.RegisterInstance(inst)
	}
	for _, inst := range l.sched.QueryInstanceScheduleInfo() {
		if !seen[inst.ID] {
			l.sched.RemoveInstance(inst.ID)
		}
	}
}

func (l *Listener) handleOffline(w http.ResponseWriter, r *http.Request) {
	l.setInstancesClosed(w, r, true)
}

func (l *Listener) handleOnline(w http.ResponseWriter, r *http.Request) {
	l.setInstancesClosed(w, r, false)
}

func (l *Listener) setInstancesClosed(w http.ResponseWriter, r *http.Request, closed bool) {
	var payload idsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	l.nodes.SetClosed(payload.IDs, closed)
	if closed {
		l.sched.CloseInstance(payload.IDs)
	} else {
		l.sched.ActivateInstance(payload.IDs)
	}
	w.WriteHeader(http.StatusOK)
}

// handleTasks answers GET /v1/instances/tasks?id=..&id=..: -1 for an id
// ClusterNodes doesn't currently know about, its running-task count
// otherwise (spec.md §6).
func (l *Listener) handleTasks(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	resp := tasksResponse{Tasks: make([]int, 0, len(ids))}
	for _, idStr := range ids {
		id, ok := parseUint64(idStr)
		if !ok {
			resp.Tasks = append(resp.Tasks, -1)
			continue
		}
		if _, known := l.nodes.Get(id); !known {
			resp.Tasks = append(resp.Tasks, -1)
			continue
		}
		resp.Tasks = append(resp.Tasks, l.nodes.TaskCount(id))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQueryTasks answers POST /v1/instances/query_tasks: the one
// endpoint spec.md §4.11 calls out as real cross-check logic rather than a
// dispatcher shim. The cross-check itself already lives in
// reqmanager.Manager.QueryTasks (is_end iff no in-flight request routes
// through either id) — this handler only does wire framing.
func (l *Listener) handleQueryTasks(w http.ResponseWriter, r *http.Request) {
	var req queryTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	isEnd := l.mgr.QueryTasks(req.PID, req.DID)
	writeJSON(w, http.StatusOK, queryTasksResponse{IsEnd: isEnd})
}

// handleCoordinatorInfo answers GET /v1/coordinator_info: per-instance
// allocation ledger (collapsed back across any flex split via
// clusternodes.ProcSchedulerInfoUnderFlexSituation) plus request-count and
// aggregate input/output length figures.
func (l *Listener) handleCoordinatorInfo(w http.ResponseWriter, r *http.Request) {
	var rows []clusternodes.SchedulerAllocation
	for _, inst := range l.sched.QueryInstanceScheduleInfo() {
		rows = append(rows, clusternodes.SchedulerAllocation{
			ID:              inst.ID,
			AllocatedSlots:  inst.TotalSlots - inst.AvailSlots,
			AllocatedBlocks: inst.TotalBlocks - inst.AvailBlocks,
		})
	}
	collapsed := clusternodes.ProcSchedulerInfoUnderFlexSituation(rows)

	scheduleInfo := make([]scheduleInfoRow, 0, len(collapsed))
	for _, row := range collapsed {
		scheduleInfo = append(scheduleInfo, scheduleInfoRow{
			ID:              row.ID,
			AllocatedSlots:  row.AllocatedSlots,
			AllocatedBlocks: row.AllocatedBlocks,
		})
	}

	inputLen, outputLen := l.mgr.LengthTotals()
	writeJSON(w, http.StatusOK, coordinatorInfoResponse{
		ScheduleInfo:      scheduleInfo,
		RequestNum:        l.mgr.ActiveCount(),
		RequestLengthInfo: requestLengthInfo{InputLen: inputLen, OutputLen: outputLen},
	})
}

// handleRecvsInfo answers GET /recvs_info. recv_flow tracks replication
// bytes received from an active/standby backup stream; no such stream is
// implemented in this repo (spec.md names the field but not its producer
// here), so it stays at zero — is_master still reflects real leader state.
func (l *Listener) handleRecvsInfo(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	flow := l.recvFlow
	l.mu.Unlock()
	writeJSON(w, http.StatusOK, recvsInfoResponse{IsMaster: l.isMaster(), RecvFlow: flow})
}

// handleBackupInfo answers POST /backup_info: a dispatcher shim per
// spec.md §4.11 — logging is deferred to the caller's transport logging,
// there is no backup-coordination state in this repo to mutate.
func (l *Listener) handleBackupInfo(w http.ResponseWriter, r *http.Request) {
	var req backupInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	writeJSON(w, http.StatusOK, backupInfoResponse{UpdateSuccessfully: true})
}

func (l *Listener) isMaster() bool {
	if l.leader == nil {
		return true
	}
	return l.leader.IsLeader()
}

func parseUint64(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}
