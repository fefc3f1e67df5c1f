package repeater

import (
	"fmt"
	"time"

	"github.com/inferfleet/clusterctl/internal/errs"
)

// Config bounds RequestRepeater's admission control, HTTP behavior, and
// backpressure thresholds (spec.md §4.10, §6).
type Config struct {
	MaxReqs           int     // global live-request ceiling
	SingleNodeMaxReqs int     // per-worker live-request ceiling; not enforced, Admit checks MaxReqs only
	AlarmThreshold    float64 // fraction of MaxReqs that trips REQ_CONGESTION
	ClearThreshold    float64 // fraction of MaxReqs that clears it (hysteresis)
	HTTPTimeoutS      int     // applies to the P/management client, not the D stream
	HTTPRetries       int
}

// DefaultConfig mirrors the kind of figures a single Coordinator process
// can sustain against a handful of workers without a separate load test.
func DefaultConfig() Config {
	return Config{
		MaxReqs:           2048,
		SingleNodeMaxReqs: 256,
		AlarmThreshold:    0.9,
		ClearThreshold:    0.7,
		HTTPTimeoutS:      30,
		HTTPRetries:       2,
	}
}

// Target is a dial address for one worker.
type Target struct {
	ID   uint64
	IP   string
	Port int
}

func (t Target) url(path string) string {
	return fmt.Sprintf("http://%s:%d%s", t.IP, t.Port, path)
}

// Route is the forwarded request RequestRepeater proxies to a worker — the
// client's original path, headers, and body, re-emitted as-is per spec.md
// §6's "each route consumes the protocol's native request schema".
type Route struct {
	ReqID   string
	Path    string
	Header  map[string][]string
	Body    []byte
	Timeout time.Duration
}

// dispatchError carries the errs.Kind a failed dispatch should surface to
// ExceptionMonitor, distinguishing P-side, D-side, and client-side causes.
type dispatchError struct {
	Kind errs.Kind
	Err  error
}

func (e *dispatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *dispatchError) Unwrap() error { return e.Err }

func dispatchErr(kind errs.Kind, err error) *dispatchError {
	return &dispatchError{Kind: kind, Err: err}
}
