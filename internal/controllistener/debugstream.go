package controllistener

import (
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inferfleet/clusterctl/internal/model"
)

// maxDebugStreamConnections bounds concurrent /v1/debug/stream viewers —
// adapted from the teacher's MetricsHub connection cap (ws_hub.go), a
// storm-protection measure that applies just as well to a single global
// stream as to the teacher's per-tenant one.
const maxDebugStreamConnections = 200

var debugStreamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// debugHub serves the live cluster/scheduler snapshot stream from spec.md's
// REDESIGN FLAGS (a debug view replacing ad hoc log-grepping). Adapted from
// the teacher's wsHub/api_stream pairing: here there is no per-tenant
// broadcast fan-out to coordinate, so each connection runs its own
// snapshot-push loop instead of registering with a shared broadcaster.
type debugHub struct {
	l      *Listener
	active atomic.Int32
}

func newDebugHub(l *Listener) *debugHub {
	return &debugHub{l: l}
}

type debugSnapshot struct {
	Instances []*model.ClusterInstance `json:"instances"`
	Summary   debugRequestSummary      `json:"summary"`
}

type debugRequestSummary struct {
	QueueDepth    int    `json:"queue_depth"`
	ActiveTasks   int    `json:"active_tasks"`
	CircuitState  string `json:"circuit_state"`
	InstanceCount int    `json:"instance_count"`
}

func (h *debugHub) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.active.Load() >= maxDebugStreamConnections {
		http.Error(w, "too many debug stream connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := debugStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("controllistener: debug stream upgrade failed: %v", err)
		return
	}
	h.active.Add(1)
	defer func() {
		h.active.Add(-1)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	go h.readPump(conn, done)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	snapshotTicker := time.NewTicker(time.Second)
	defer snapshotTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-snapshotTicker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(h.snapshot()); err != nil {
				return
			}
		}
	}
}

// readPump exists only to detect client-initiated close/ping-timeout;
// the debug stream is one-way.
func (h *debugHub) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *debugHub) snapshot() debugSnapshot {
	summary := h.l.sched.QueryRequestSummary()
	return debugSnapshot{
		Instances: h.l.nodes.All(),
		Summary: debugRequestSummary{
			QueueDepth:    summary.QueueDepth,
			ActiveTasks:   summary.ActiveTasks,
			CircuitState:  summary.CircuitState,
			InstanceCount: summary.InstanceCount,
		},
	}
}
