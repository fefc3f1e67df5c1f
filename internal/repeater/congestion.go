package repeater

import (
	"fmt"
	"sync"

	"github.com/inferfleet/clusterctl/internal/alarm"
	"github.com/inferfleet/clusterctl/internal/errs"
)

// congestionGate implements spec.md §4.10's admission hysteresis: reject
// above AlarmThreshold·MaxReqs, keep rejecting until activity falls back
// below ClearThreshold·MaxReqs. Crossing either edge fires exactly one
// alarm or recovery through the alarm pipeline.
type congestionGate struct {
	mu      sync.Mutex
	tripped bool
	alarms  *alarm.Pipeline
	cfg     Config
}

func newCongestionGate(alarms *alarm.Pipeline, cfg Config) *congestionGate {
	return &congestionGate{alarms: alarms, cfg: cfg}
}

// admit reports whether a new request may be admitted given the current
// live-request count.
func (g *congestionGate) admit(active int) error {
	hi := int(g.cfg.AlarmThreshold * float64(g.cfg.MaxReqs))
	lo := int(g.cfg.ClearThreshold * float64(g.cfg.MaxReqs))

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case !g.tripped && active >= hi:
		g.tripped = true
		g.raise(active, hi)
	case g.tripped && active <= lo:
		g.tripped = false
		g.clear(active, lo)
	}

	if g.tripped {
		return errs.New(errs.ResourceExhausted, fmt.Sprintf("repeater: congested (active=%d threshold=%d)", active, hi))
	}
	return nil
}

func (g *congestionGate) raise(active, hi int) {
	if g.alarms == nil {
		return
	}
	g.alarms.AlarmAdded(alarm.Record{
		Category:            alarm.CategoryCongestion,
		EventType:           "REQ_CONGESTION",
		Severity:            alarm.SeverityMajor,
		ServiceAffectedType: alarm.ServiceAffectedDegraded,
		ReasonID:            "REQ_CONGESTION",
		Source:              "repeater",
		Message:             fmt.Sprintf("active requests %d crossed admission threshold %d", active, hi),
	})
}

func (g *congestionGate) clear(active, lo int) {
	if g.alarms == nil {
		return
	}
	g.alarms.AlarmAdded(alarm.Record{
		Category:            alarm.CategoryCongestion,
		Cleared:             true,
		ClearCategory:       alarm.CategoryCongestion,
		EventType:           "REQ_CONGESTION",
		Severity:            alarm.SeverityMinor,
		ServiceAffectedType: alarm.ServiceAffectedNone,
		ReasonID:            "REQ_CONGESTION",
		Source:              "repeater",
		Message:             fmt.Sprintf("active requests %d fell below clear threshold %d", active, lo),
	})
}
