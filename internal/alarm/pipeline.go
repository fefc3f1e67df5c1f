// Package alarm implements AlarmPipeline and AlarmListener from spec.md
// §4.7/§6: a bounded FIFO drained by a single worker into a Retain ring,
// fed either by in-process callers (AlarmAdded) or by an HTTP ingest
// endpoint validating each record against the alarm schema.
package alarm

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/inferfleet/clusterctl/internal/observability"
	"github.com/inferfleet/clusterctl/internal/ring"
)

const capacity = 1000

// Pipeline is the bounded FIFO + single drain worker described in
// spec.md §4.7. Grounded on the teacher's ThreadSafeQueue
// (scheduler/queue.go) mutex+condvar shape, adapted from a priority heap
// to a plain FIFO deque since alarms have no priority field.
type Pipeline struct {
	r *ring.Ring

	mu      sync.Mutex
	cond    *sync.Cond
	deque   []Record
	dropped uint64

	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPipeline wires a Pipeline to the Retain ring it drains into.
func NewPipeline(r *ring.Ring) *Pipeline {
	p := &Pipeline{
		r:    r,
		done: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the single drain worker.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.drainLoop()
}

// AlarmAdded enqueues a pre-validated alarm record. On overflow (queue
// already at capacity) the oldest entry is dropped and a warning logged —
// the new entry is still accepted, matching spec.md's "drops the oldest"
// wording (the pipeline always makes room for the newest arrival).
func (p *Pipeline) AlarmAdded(rec Record) {
	p.mu.Lock()
	if len(p.deque) >= capacity {
		p.deque = p.deque[1:]
		p.dropped++
		observability.AlarmsDropped.Inc()
		log.Printf("alarm: pipeline full (cap=%d), dropped oldest entry", capacity)
	}
	p.deque = append(p.deque, rec)
	p.cond.Signal()
	p.mu.Unlock()
	observability.AlarmsRaised.WithLabelValues(string(rec.Category), string(rec.Severity)).Inc()
}

// Dropped returns the number of entries dropped for overflow so far.
func (p *Pipeline) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Pipeline) drainLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.deque) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped && len(p.deque) == 0 {
			p.mu.Unlock()
			return
		}
		batch := p.deque
		p.deque = nil
		p.mu.Unlock()

		for _, rec := range batch {
			p.writeToRing(rec)
		}
	}
}

func (p *Pipeline) writeToRing(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("alarm: marshal record failed: %v", err)
		return
	}
	if err := p.r.Write(data); err != nil {
		log.Printf("alarm: ring write failed: %v", err)
	}
}

// Stop drains remaining queued entries, then stops the worker.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
