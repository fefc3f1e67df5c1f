// Package timeline records request stage transitions for operability —
// the Go-native shape of the scattered LOG_INFO stage calls a handler-per-
// request implementation would otherwise leave buried in log lines.
// Grounded on the teacher's own control_plane/timeline package: an
// append-only, mutex-guarded event slice with no persistence layer, queried
// by request id for a debug view rather than fed into a metrics pipeline.
package timeline

import (
	"sync"
	"time"
)

// Stage names the point in a request's life an Event marks. Mirrors
// model.RequestState plus the pre-state-machine and scheduling stages
// ReqManager/Scheduler/RequestRepeater don't otherwise expose a timestamp
// for.
type Stage string

const (
	StageRegistered Stage = "REGISTERED"
	StageQueued     Stage = "QUEUED"
	StageScheduled  Stage = "SCHEDULED"
	StageSentToP    Stage = "SENT_TO_P"
	StageStreaming  Stage = "STREAMING_FROM_D"
	StageFinished   Stage = "FINISHED"
	StageException  Stage = "EXCEPTION"
	StageTimeout    Stage = "TIMEOUT"
	StageRetried    Stage = "RETRIED"
)

// Event is one stage transition for one request.
type Event struct {
	ReqID     string            `json:"req_id"`
	Stage     Stage             `json:"stage"`
	Timestamp time.Time         `json:"timestamp"`
	NodeID    uint64            `json:"node_id,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store is an append-only, in-memory timeline of Events. It is safe to
// share a single Store across ReqManager and Scheduler, which each Record
// independently, and ControlListener, which only reads it; nothing about an Event identifies which
// component raised it beyond its Stage.
type Store struct {
	mu     sync.RWMutex
	events []Event
}

// NewStore returns an empty timeline.
func NewStore() *Store {
	return &Store{events: make([]Event, 0)}
}

// Record appends e, stamping Timestamp with the current time if the caller
// left it zero.
func (s *Store) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// EventsFor returns every recorded Event for reqID, in recording order.
func (s *Store) EventsFor(reqID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.ReqID == reqID {
			out = append(out, e)
		}
	}
	return out
}

// GetAllEvents returns a copy of every recorded Event, for the debug
// snapshot stream. Unbounded by design — the same posture the teacher's
// store takes — since nothing in this repo runs a Store for longer than
// one Coordinator process lifetime.
func (s *Store) GetAllEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
