package controllistener

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/inferfleet/clusterctl/internal/model"
)

func (l *Listener) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReady answers GET /v2/health/ready: 200 once the fleet has at
// least one PREFILL and one DECODE instance and a refresh has landed, 503
// otherwise (spec.md §6).
func (l *Listener) handleReady(w http.ResponseWriter, r *http.Request) {
	if l.ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// handleReadinessAndMaster answers GET /v1/readiness: readiness AND
// IsMaster when backup election is enabled (spec.md §6).
func (l *Listener) handleReadinessAndMaster(w http.ResponseWriter, r *http.Request) {
	if l.ready() && l.isMaster() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// handleModelReady answers GET /v2/models/{name}/ready exactly as
// /v2/health/ready does: 200 when the fleet as a whole is ready. The model
// name in the path is not checked — ClusterInstance carries no model name
// (NodeInfo does, on the Controller side), so a name no instance serves
// still gets 200 from a ready fleet.
func (l *Listener) handleModelReady(w http.ResponseWriter, r *http.Request) {
	_ = mux.Vars(r)["model"]
	l.handleReady(w, r)
}

func (l *Listener) ready() bool {
	if !l.refreshed.Load() {
		return false
	}
	hasP, hasD := false, false
	for _, inst := range l.nodes.All() {
		if inst.Closed {
			continue
		}
		switch inst.Role {
		case model.RolePrefill:
			hasP = true
		case model.RoleDecode:
			hasD = true
		}
		if hasP && hasD {
			return true
		}
	}
	return false
}
