// Package reqmanager implements ReqManager: the Coordinator's per-request
// state machine plus the worker→request-id task index used both by retry
// routing and by /v1/instances/query_tasks' in-flight cross-check. Built
// as one RWMutex-guarded map with exported mutators and no separate DAO
// layer — the same pattern as internal/nodestore and internal/clusternodes.
package reqmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inferfleet/clusterctl/internal/model"
	"github.com/inferfleet/clusterctl/internal/timeline"
)

// Timeouts bounds how long a request may sit in each pre-terminal stage
// before CheckTimeouts reports it. Zero disables a given check.
type Timeouts struct {
	Schedule  time.Duration // PENDING -> no allocation yet
	FirstToken time.Duration // SENT_TO_P -> no first D token yet
	Infer     time.Duration // STREAMING_FROM_D -> stream never finishes
	Tokenizer time.Duration // SENT_TO_P -> P never responds at all
}

// Manager owns every live Request plus the task index used to answer "is
// any in-flight request routed through this node".
type Manager struct {
	mu        sync.RWMutex
	requests  map[string]*model.Request
	taskIndex map[uint64]map[string]bool // nodeID -> set of reqIDs routed through it

	maxRetry int
	timeouts Timeouts

	tl *timeline.Store
}

func New(maxRetry int, timeouts Timeouts) *Manager {
	return &Manager{
		requests:  make(map[string]*model.Request),
		taskIndex: make(map[uint64]map[string]bool),
		maxRetry:  maxRetry,
		timeouts:  timeouts,
	}
}

// SetTimeline wires a timeline.Store to record stage transitions for
// operability. Optional — a Manager with no Store recorded simply skips
// recording, keeping observability opt-in for cmd/coordinator.
func (m *Manager) SetTimeline(tl *timeline.Store) {
	m.tl = tl
}

func (m *Manager) record(reqID string, stage timeline.Stage) {
	if m.tl == nil {
		return
	}
	m.tl.Record(timeline.Event{ReqID: reqID, Stage: stage})
}

// Register creates a new PENDING request with a fresh uuid reqId.
func (m *Manager) Register(protocol model.ClientProtocol, stream bool, tenantID string, prefixHash []uint64) *model.Request {
	now := time.Now()
	req := &model.Request{
		ReqID:        uuid.NewString(),
		CreatedAt:    now,
		PendingSince: now,
		Protocol:     protocol,
		Stream:       stream,
		State:        model.StatePending,
		TenantID:     tenantID,
		PrefixHash:   prefixHash,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ReqID] = req
	cp := *req
	m.record(req.ReqID, timeline.StageRegistered)
	return &cp
}

// Get returns a copy of a request's current record.
func (m *Manager) Get(reqID string) (*model.Request, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[reqID]
	if !ok {
		return nil, false
	}
	cp := *req
	return &cp, true
}

func (m *Manager) index(id uint64, reqID string) {
	set, ok := m.taskIndex[id]
	if !ok {
		set = make(map[string]bool)
		m.taskIndex[id] = set
	}
	set[reqID] = true
}

func (m *Manager) unindex(id uint64, reqID string) {
	if set, ok := m.taskIndex[id]; ok {
		delete(set, reqID)
		if len(set) == 0 {
			delete(m.taskIndex, id)
		}
	}
}

// AssignPD records a scheduler's (P,D) pick and transitions PENDING ->
// SENT_TO_P.
func (m *Manager) AssignPD(reqID string, pID, dID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return fmt.Errorf("reqmanager: unknown reqID %s", reqID)
	}
	if !model.CanTransition(req.State, model.StateSentToP) {
		return fmt.Errorf("reqmanager: %s cannot move %s -> SENT_TO_P", reqID, req.State)
	}
	req.PID, req.HasPID = pID, true
	req.DID, req.HasDID = dID, true
	req.State = model.StateSentToP
	req.SentToPAt = time.Now()
	m.index(pID, reqID)
	m.index(dID, reqID)
	m.record(reqID, timeline.StageSentToP)
	return nil
}

// AssignSingleNode records a single-node allocation, using the same id for
// both PID and DID so the task index and query_tasks cross-check see one
// route regardless of topology.
func (m *Manager) AssignSingleNode(reqID string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return fmt.Errorf("reqmanager: unknown reqID %s", reqID)
	}
	if !model.CanTransition(req.State, model.StateSentToP) {
		return fmt.Errorf("reqmanager: %s cannot move %s -> SENT_TO_P", reqID, req.State)
	}
	req.PID, req.HasPID = id, true
	req.DID, req.HasDID = id, true
	req.State = model.StateSentToP
	req.SentToPAt = time.Now()
	m.index(id, reqID)
	m.record(reqID, timeline.StageSentToP)
	return nil
}

// MarkStreaming records the first D token and transitions SENT_TO_P ->
// STREAMING_FROM_D.
func (m *Manager) MarkStreaming(reqID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return fmt.Errorf("reqmanager: unknown reqID %s", reqID)
	}
	if !model.CanTransition(req.State, model.StateStreamingFromD) {
		return fmt.Errorf("reqmanager: %s cannot move %s -> STREAMING_FROM_D", reqID, req.State)
	}
	req.State = model.StateStreamingFromD
	req.FirstTokenAt = time.Now()
	m.record(reqID, timeline.StageStreaming)
	return nil
}

// Finish transitions a request to FINISHED and releases its task index
// entries.
func (m *Manager) Finish(reqID string, outputLength int) error {
	return m.terminal(reqID, model.StateFinished, func(req *model.Request) {
		req.OutputLength = outputLength
	})
}

// Except transitions a request to EXCEPTION and releases its task index
// entries — used by USER_DIS_CONN's fatal path and the terminal
// first-token/infer/tokenizer timeouts. The retry path goes through Retry.
func (m *Manager) Except(reqID string) error {
	return m.terminal(reqID, model.StateException, nil)
}

// TimeoutReq transitions a PENDING request to TIMEOUT (scheduleTimeout
// firing before any allocation landed).
func (m *Manager) TimeoutReq(reqID string) error {
	return m.terminal(reqID, model.StateTimeout, nil)
}

func (m *Manager) terminal(reqID string, to model.RequestState, mutate func(*model.Request)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return fmt.Errorf("reqmanager: unknown reqID %s", reqID)
	}
	if !model.CanTransition(req.State, to) {
		return fmt.Errorf("reqmanager: %s cannot move %s -> %s", reqID, req.State, to)
	}
	if req.HasPID {
		m.unindex(req.PID, reqID)
	}
	if req.HasDID {
		m.unindex(req.DID, reqID)
	}
	req.State = to
	if mutate != nil {
		mutate(req)
	}
	m.record(reqID, terminalStage(to))
	return nil
}

func terminalStage(s model.RequestState) timeline.Stage {
	switch s {
	case model.StateFinished:
		return timeline.StageFinished
	case model.StateTimeout:
		return timeline.StageTimeout
	default:
		return timeline.StageException
	}
}

// RetryResult reports whether a retry should proceed and, if so, the ids to
// exclude from the next scheduling pass.
type RetryResult struct {
	ShouldRetry bool
	Exclude     map[uint64]bool
}

// Retry applies the retry rule: moves the request to EXCEPTION, releases
// its prior route, and reports whether retryCount is still under maxRetry.
// When it is, the request is reset to a fresh PENDING record with
// retryCount incremented, and the caller resubmits to the scheduler with
// the returned exclude set; otherwise the request stays EXCEPTION as its
// terminal outcome.
func (m *Manager) Retry(reqID string) (RetryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[reqID]
	if !ok {
		return RetryResult{}, fmt.Errorf("reqmanager: unknown reqID %s", reqID)
	}

	exclude := map[uint64]bool{}
	if req.HasPID {
		exclude[req.PID] = true
		m.unindex(req.PID, reqID)
	}
	if req.HasDID {
		exclude[req.DID] = true
		m.unindex(req.DID, reqID)
	}

	if req.State != model.StateException {
		if !model.CanTransition(req.State, model.StateException) {
			return RetryResult{}, fmt.Errorf("reqmanager: %s cannot move %s -> EXCEPTION", reqID, req.State)
		}
		req.State = model.StateException
	}

	if req.RetryCount >= m.maxRetry {
		return RetryResult{ShouldRetry: false}, nil
	}
	req.RetryCount++
	req.PID, req.HasPID = 0, false
	req.DID, req.HasDID = 0, false
	req.State = model.StatePending
	req.PendingSince = time.Now()
	req.SentToPAt = time.Time{}
	req.FirstTokenAt = time.Time{}
	m.record(reqID, timeline.StageRetried)
	return RetryResult{ShouldRetry: true, Exclude: exclude}, nil
}

// QueryTasks answers /v1/instances/query_tasks: isEnd is true when no
// in-flight request currently routes through either id — safe for the
// caller to proceed with the node's role change.
func (m *Manager) QueryTasks(pID, dID uint64) (isEnd bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.taskIndex[pID]) == 0 && len(m.taskIndex[dID]) == 0
}

// ExpiredKind names which SLA timeout fired for a scanned request.
type ExpiredKind int

const (
	ExpiredSchedule ExpiredKind = iota
	ExpiredFirstToken
	ExpiredInfer
	ExpiredTokenizer
)

// Expired pairs a request id with the timeout that fired for it.
type Expired struct {
	ReqID string
	Kind  ExpiredKind
}

// CheckTimeouts scans every live request once and reports those that have
// exceeded their stage's SLA — driven by a dedicated timer task that scans
// ReqManager once a second.
func (m *Manager) CheckTimeouts(now time.Time) []Expired {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Expired
	for _, req := range m.requests {
		switch req.State {
		case model.StatePending:
			if m.timeouts.Schedule > 0 && now.Sub(req.PendingSince) > m.timeouts.Schedule {
				out = append(out, Expired{ReqID: req.ReqID, Kind: ExpiredSchedule})
			}
		case model.StateSentToP:
			if m.timeouts.Tokenizer > 0 && now.Sub(req.SentToPAt) > m.timeouts.Tokenizer {
				out = append(out, Expired{ReqID: req.ReqID, Kind: ExpiredTokenizer})
				continue
			}
			if m.timeouts.FirstToken > 0 && now.Sub(req.SentToPAt) > m.timeouts.FirstToken {
				out = append(out, Expired{ReqID: req.ReqID, Kind: ExpiredFirstToken})
			}
		case model.StateStreamingFromD:
			if m.timeouts.Infer > 0 && !req.FirstTokenAt.IsZero() && now.Sub(req.FirstTokenAt) > m.timeouts.Infer {
				out = append(out, Expired{ReqID: req.ReqID, Kind: ExpiredInfer})
			}
		}
	}
	return out
}

// ActiveCount returns the number of requests not yet in a terminal state —
// used by RequestRepeater's maxReqs backpressure check.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, req := range m.requests {
		switch req.State {
		case model.StateFinished, model.StateException, model.StateTimeout:
		default:
			n++
		}
	}
	return n
}

// ActiveCountForNode returns the number of in-flight requests routed
// through a given worker id. RequestRepeater does not check it against
// SingleNodeMaxReqs; no per-worker ceiling is enforced.
func (m *Manager) ActiveCountForNode(id uint64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.taskIndex[id])
}

// LengthTotals sums InputLength/OutputLength across every live request —
// backs GET /v1/coordinator_info's request_length_info.
func (m *Manager) LengthTotals() (inputLen, outputLen int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.requests {
		switch req.State {
		case model.StateFinished, model.StateException, model.StateTimeout:
		default:
			inputLen += req.InputLength
			outputLen += req.OutputLength
		}
	}
	return inputLen, outputLen
}

// Forget removes a terminal request's record entirely, reclaiming memory
// once its outcome has been relayed to the client (and, where applicable,
// recorded in the idempotency store).
func (m *Manager) Forget(reqID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, reqID)
}
