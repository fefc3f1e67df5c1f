package controllistener

import (
	"net/http"

	"github.com/inferfleet/clusterctl/internal/timeline"
)

// handleTimeline answers GET /v1/debug/timeline[?req_id=...] with the
// recorded stage transitions for one request, or every request if req_id
// is omitted — a read-only operability view per spec.md's REDESIGN FLAGS
// (grounded on the teacher's timeline.Store.GetEventsByStateID/
// GetAllEvents split).
func (l *Listener) handleTimeline(w http.ResponseWriter, r *http.Request) {
	var events []timeline.Event
	if l.tl != nil {
		if reqID := r.URL.Query().Get("req_id"); reqID != "" {
			events = l.tl.EventsFor(reqID)
		} else {
			events = l.tl.GetAllEvents()
		}
	}

	resp := timelineResponse{Events: make([]timelineEventWire, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, timelineEventWire{
			ReqID:     e.ReqID,
			Stage:     string(e.Stage),
			Timestamp: e.Timestamp,
			NodeID:    e.NodeID,
			Metadata:  e.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
