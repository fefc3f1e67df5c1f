package model

import "time"

// ClientProtocol names the wire protocol a Coordinator request arrived on.
type ClientProtocol int

const (
	ProtocolUnknown ClientProtocol = iota
	ProtocolTriton
	ProtocolTGI
	ProtocolOpenAI
	ProtocolMindIE
	ProtocolTokenizer
)

// RequestState is a node in the Coordinator's per-request state machine.
//
//	PENDING --schedule--> SENT_TO_P --P 200--> STREAMING_FROM_D --D end--> FINISHED
//	   |                      |                        |
//	   |                      |                        +--D error--> EXCEPTION (may retry)
//	   |                      +--P error--> EXCEPTION (may retry)
//	   +--scheduleTimeout--> TIMEOUT
type RequestState int

const (
	StatePending RequestState = iota
	StateSentToP
	StateStreamingFromD
	StateFinished
	StateException
	StateTimeout
)

func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSentToP:
		return "SENT_TO_P"
	case StateStreamingFromD:
		return "STREAMING_FROM_D"
	case StateFinished:
		return "FINISHED"
	case StateException:
		return "EXCEPTION"
	case StateTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// validTransitions encodes the only edges the state machine permits. A
// request may never return to a prior state.
var validTransitions = map[RequestState]map[RequestState]bool{
	StatePending: {
		StateSentToP: true,
		StateTimeout: true,
	},
	StateSentToP: {
		StateStreamingFromD: true,
		StateException:      true,
	},
	StateStreamingFromD: {
		StateFinished:  true,
		StateException: true,
	},
}

// CanTransition reports whether from->to is a legal edge.
func CanTransition(from, to RequestState) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Request is the Coordinator-side per-request record, owned exclusively by
// ReqManager.
type Request struct {
	ReqID        string
	CreatedAt    time.Time
	PendingSince time.Time // reset to "now" on every return to PENDING, seeds scheduleTimeout scans
	SentToPAt    time.Time // zero until SENT_TO_P, seeds firstTokenTimeout/tokenizerTimeout scans
	FirstTokenAt time.Time // zero until the first D token lands, seeds inferTimeout scans
	Protocol     ClientProtocol
	Stream       bool
	PID          uint64
	DID          uint64
	HasPID       bool
	HasDID       bool
	State        RequestState
	RetryCount   int
	InputLength  int
	OutputLength int
	TenantID     string
	PrefixHash   []uint64
}

// ClusterInstance is the Coordinator's mirror of a worker, as materialized
// by ClusterNodes (including virtual split instances for FLEX workers).
type ClusterInstance struct {
	ID            uint64
	Role          Role
	IP            string
	Port          int
	AvailSlots    uint64
	AvailBlocks   uint64
	TotalSlots    uint64
	TotalBlocks   uint64
	Peers         []uint64
	PrefixHash    []uint64
	GroupID       string
	Closed        bool
	RunningTasks  int
	PrefixBits    int // longest matched prefix length, scratch field for scheduling
	HealthScore   float64
	FlexPRatio    int // 0..100, only meaningful when Role == RoleFlex, pre-split
}
