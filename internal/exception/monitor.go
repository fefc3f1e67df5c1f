// Package exception implements ExceptionMonitor (spec.md §4.12): a
// kind-keyed handler registry draining a background queue of raised
// exceptions. Grounded on internal/alarm.Pipeline's condvar+FIFO drain
// shape, itself grounded on the teacher's ThreadSafeQueue — adapted here
// from a priority heap to a plain FIFO since exceptions, like alarms, carry
// no priority field.
package exception

import (
	"log"
	"sync"

	"github.com/inferfleet/clusterctl/internal/errs"
)

// Event is one raised exception awaiting dispatch to its kind's handler.
type Event struct {
	Kind   errs.Kind
	ReqID  string
	NodeID uint64
	Err    error
}

// Handler processes one Event. Handlers run sequentially on the single
// drain worker and must be short — spec.md §4.12 requires them to enqueue
// follow-up work rather than block.
type Handler func(Event)

const capacity = 1000

// Monitor is the registry + drain worker.
type Monitor struct {
	mu       sync.RWMutex
	handlers map[errs.Kind][]Handler

	qmu   sync.Mutex
	cond  *sync.Cond
	queue []Event

	stopped bool
	wg      sync.WaitGroup
}

func New() *Monitor {
	m := &Monitor{handlers: make(map[errs.Kind][]Handler)}
	m.cond = sync.NewCond(&m.qmu)
	return m
}

// Register installs a handler for a kind. RequestRepeater registers its
// retry/abort/cancel-peer handlers on init; multiple handlers for the same
// kind all run, in registration order.
func (m *Monitor) Register(kind errs.Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = append(m.handlers[kind], h)
}

// Start launches the single drain worker.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.drainLoop()
}

// Raise enqueues an exception for dispatch. On overflow the oldest queued
// event is dropped (mirroring internal/alarm.Pipeline) and a warning
// logged — exception volume this high means something upstream is already
// broken badly enough that losing the oldest entry is the lesser harm.
func (m *Monitor) Raise(e Event) {
	m.qmu.Lock()
	if len(m.queue) >= capacity {
		m.queue = m.queue[1:]
		log.Printf("exception: monitor queue full (cap=%d), dropped oldest entry", capacity)
	}
	m.queue = append(m.queue, e)
	m.cond.Signal()
	m.qmu.Unlock()
}

func (m *Monitor) drainLoop() {
	defer m.wg.Done()
	for {
		m.qmu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.cond.Wait()
		}
		if m.stopped && len(m.queue) == 0 {
			m.qmu.Unlock()
			return
		}
		batch := m.queue
		m.queue = nil
		m.qmu.Unlock()

		for _, e := range batch {
			m.dispatch(e)
		}
	}
}

func (m *Monitor) dispatch(e Event) {
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers[e.Kind]...)
	m.mu.RUnlock()

	if len(handlers) == 0 {
		log.Printf("exception: no handler registered for kind %s (reqId=%s)", e.Kind, e.ReqID)
		return
	}
	for _, h := range handlers {
		h(e)
	}
}

// Stop drains remaining queued events, then stops the worker.
func (m *Monitor) Stop() {
	m.qmu.Lock()
	m.stopped = true
	m.cond.Broadcast()
	m.qmu.Unlock()
	m.wg.Wait()
}
