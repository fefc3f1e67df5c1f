// Package repeater implements RequestRepeater (spec.md §4.10): dispatches
// an allocated request to its chosen worker(s), proxies the response back
// to the client, and drives retry/abort decisions off ExceptionMonitor.
// Grounded on the teacher's scheduler package for its admission-gate and
// rate-limiter shapes (circuit_breaker.go, limiter.go), generalized from
// reconciliation-task dispatch to HTTP request forwarding.
package repeater

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/inferfleet/clusterctl/internal/alarm"
	"github.com/inferfleet/clusterctl/internal/errs"
	"github.com/inferfleet/clusterctl/internal/exception"
	"github.com/inferfleet/clusterctl/internal/observability"
	"github.com/inferfleet/clusterctl/internal/reqmanager"
	"github.com/inferfleet/clusterctl/internal/scheduler"
)

var (
	errScheduleTimeout  = errors.New("repeater: schedule timeout")
	errUnresolvedTarget = errors.New("repeater: allocated instance no longer resolvable")
)

type pendingEntry struct {
	ctx        context.Context
	cancel     context.CancelFunc
	kind       scheduler.PendingKind
	route      Route
	out        io.Writer
	prefixHash []uint64
	done       chan error
}

// Repeater is the RequestRepeater instance wired to one ReqManager,
// Scheduler, and ExceptionMonitor.
type Repeater struct {
	mgr     *reqmanager.Manager
	sched   *scheduler.Scheduler
	monitor *exception.Monitor
	cfg     Config

	gate    *congestionGate
	retryRL *nodeLimiter

	control *http.Client // short-lived: P and management calls
	stream  *http.Client // long-lived: D's streaming connection

	mu      sync.Mutex
	pending map[string]*pendingEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Repeater to its collaborators and installs its hooks on
// Scheduler (the two allocation notify callbacks plus the schedule-timeout
// one) and on Monitor (one handler per retryable/fatal/terminal error kind
// from spec.md §7's taxonomy).
func New(mgr *reqmanager.Manager, sched *scheduler.Scheduler, monitor *exception.Monitor, alarms *alarm.Pipeline, cfg Config) *Repeater {
	r := &Repeater{
		mgr:     mgr,
		sched:   sched,
		monitor: monitor,
		cfg:     cfg,
		gate:    newCongestionGate(alarms, cfg),
		retryRL: newNodeLimiter(5, 10),
		control: newControlClient(cfg),
		stream:  newStreamClient(),
		pending: make(map[string]*pendingEntry),
	}

	sched.RegisterSingleNodeNotifyAllocation(r.onSingleNode)
	sched.RegisterPDNotifyAllocation(r.onPD)
	sched.RegisterTimeoutNotify(r.onScheduleTimeout)
	r.registerExceptionHandlers()
	return r
}

// Admit applies spec.md §4.10's global backpressure check ahead of
// registering a new request. Callers should reject the client with 503 on
// a non-nil error rather than calling Track/Submit.
func (r *Repeater) Admit() error {
	return r.gate.admit(r.mgr.ActiveCount())
}

// Track registers a pending dispatch for reqID ahead of submitting its
// allocation to Scheduler: the output writer the response is proxied
// into, the original forwarded route, and enough context (kind,
// prefixHash) to resubmit on a retry. ctx is the inbound HTTP request's
// context — cancelling it (client disconnect) aborts any in-flight
// dispatch.
func (r *Repeater) Track(ctx context.Context, reqID string, kind scheduler.PendingKind, prefixHash []uint64, route Route, out io.Writer) <-chan error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	r.mu.Lock()
	r.pending[reqID] = &pendingEntry{ctx: ctx, cancel: cancel, kind: kind, route: route, out: out, prefixHash: prefixHash, done: done}
	r.mu.Unlock()
	return done
}

// Abandon cancels and forgets a pending dispatch without waiting for a
// worker-side outcome — used when the inbound connection drops before an
// allocation ever lands.
func (r *Repeater) Abandon(reqID string) {
	r.mu.Lock()
	pe, ok := r.pending[reqID]
	delete(r.pending, reqID)
	r.mu.Unlock()
	if ok {
		pe.cancel()
	}
}

func (r *Repeater) take(reqID string) (*pendingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pe, ok := r.pending[reqID]
	if ok {
		delete(r.pending, reqID)
	}
	return pe, ok
}

func (r *Repeater) peek(reqID string) (*pendingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pe, ok := r.pending[reqID]
	return pe, ok
}

// Start launches the second-granularity timer scan of ReqManager's SLA
// timeouts (spec.md §6: "a dedicated timer task that scans ReqManager
// every second").
func (r *Repeater) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.scanLoop(ctx)
}

// Stop halts the timeout scanner and waits for it to exit.
func (r *Repeater) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Repeater) scanLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.scanOnce(now)
		}
	}
}

func (r *Repeater) scanOnce(now time.Time) {
	for _, exp := range r.mgr.CheckTimeouts(now) {
		kind, err := mapExpiredKind(exp.Kind)
		r.monitor.Raise(exception.Event{Kind: kind, ReqID: exp.ReqID, Err: err})
	}
}

func mapExpiredKind(k reqmanager.ExpiredKind) (errs.Kind, error) {
	switch k {
	case reqmanager.ExpiredSchedule:
		return errs.ScheduleTimeout, errScheduleTimeout
	case reqmanager.ExpiredFirstToken:
		return errs.FirstTokenTimeout, errors.New("repeater: first token timeout")
	case reqmanager.ExpiredInfer:
		return errs.InferTimeout, errors.New("repeater: infer timeout")
	case reqmanager.ExpiredTokenizer:
		return errs.TokenizerTimeout, errors.New("repeater: tokenizer timeout")
	default:
		return errs.Exception, errors.New("repeater: unrecognized timeout kind")
	}
}

func (r *Repeater) onSingleNode(reqID string, id uint64) {
	go r.dispatchSingleNode(reqID, id)
}

func (r *Repeater) onPD(reqID string, pID, dID uint64) {
	go r.dispatchPD(reqID, pID, dID)
}

func (r *Repeater) onScheduleTimeout(reqID string) {
	r.monitor.Raise(exception.Event{Kind: errs.ScheduleTimeout, ReqID: reqID, Err: errScheduleTimeout})
}

func (r *Repeater) resolve(id uint64) (Target, bool) {
	inst, ok := r.sched.Lookup(id)
	if !ok {
		return Target{}, false
	}
	return Target{ID: id, IP: inst.IP, Port: inst.Port}, true
}

func (r *Repeater) dispatchSingleNode(reqID string, id uint64) {
	pe, ok := r.peek(reqID)
	if !ok {
		log.Printf("repeater: allocation notified for untracked request %s", reqID)
		return
	}
	if err := r.mgr.AssignSingleNode(reqID, id); err != nil {
		log.Printf("repeater: %v", err)
		return
	}
	target, ok := r.resolve(id)
	if !ok {
		r.raise(reqID, dispatchErr(errs.ConnPErr, errUnresolvedTarget))
		return
	}

	cw := &countingWriter{w: pe.out}
	err := singleNodeDispatch(pe.ctx, r.control, pe.route, target, cw)
	if err == nil {
		_ = r.mgr.MarkStreaming(reqID)
		r.succeed(reqID, cw.n)
		return
	}
	r.raise(reqID, err)
}

func (r *Repeater) dispatchPD(reqID string, pID, dID uint64) {
	pe, ok := r.peek(reqID)
	if !ok {
		log.Printf("repeater: allocation notified for untracked request %s", reqID)
		return
	}
	if err := r.mgr.AssignPD(reqID, pID, dID); err != nil {
		log.Printf("repeater: %v", err)
		return
	}
	p, ok := r.resolve(pID)
	if !ok {
		r.raise(reqID, dispatchErr(errs.ConnPErr, errUnresolvedTarget))
		return
	}
	d, ok := r.resolve(dID)
	if !ok {
		r.raise(reqID, dispatchErr(errs.ConnDErr, errUnresolvedTarget))
		return
	}

	cw := &countingWriter{w: pe.out}
	err := pdDispatch(pe.ctx, r.control, r.stream, pe.route, p, d, cw)
	if err == nil {
		_ = r.mgr.MarkStreaming(reqID)
		r.succeed(reqID, cw.n)
		return
	}
	r.raise(reqID, err)
}

func (r *Repeater) succeed(reqID string, outputLength int) {
	pe, ok := r.take(reqID)
	if !ok {
		return
	}
	if err := r.mgr.Finish(reqID, outputLength); err != nil {
		log.Printf("repeater: %v", err)
	}
	observability.RequestSuccesses.Inc()
	pe.done <- nil
}

// raise hands a dispatch failure to ExceptionMonitor rather than resolving
// the pending entry directly — the registered handler decides whether to
// retry (re-Submit, pending entry stays tracked) or settle the request.
func (r *Repeater) raise(reqID string, err error) {
	de, ok := err.(*dispatchError)
	if !ok {
		r.monitor.Raise(exception.Event{Kind: errs.Exception, ReqID: reqID, Err: err})
		return
	}
	r.monitor.Raise(exception.Event{Kind: de.Kind, ReqID: reqID, Err: err})
}

func (r *Repeater) settle(reqID string, err error) {
	pe, ok := r.take(reqID)
	if !ok {
		return
	}
	pe.cancel()
	pe.done <- err
}

func (r *Repeater) registerExceptionHandlers() {
	for _, k := range []errs.Kind{errs.SendPErr, errs.SendMixErr, errs.ConnPErr, errs.ConnDErr, errs.DecodeDisConn} {
		r.monitor.Register(k, r.handleRetryable)
	}
	r.monitor.Register(errs.UserDisConn, r.handleFatal)
	r.monitor.Register(errs.ScheduleTimeout, r.handleScheduleTimeout)
	for _, k := range []errs.Kind{errs.FirstTokenTimeout, errs.InferTimeout, errs.TokenizerTimeout} {
		r.monitor.Register(k, r.handleTerminalTimeout)
	}
}

// handleRetryable implements spec.md §7's "retry if budget, else 502" for
// SEND_*_ERR/CONN_*_ERR/DECODE_DIS_CONN: resubmit to Scheduler with the
// failed id(s) excluded, or settle the request once ReqManager's maxRetry
// bound is hit.
func (r *Repeater) handleRetryable(e exception.Event) {
	result, err := r.mgr.Retry(e.ReqID)
	if err != nil {
		log.Printf("repeater: retry bookkeeping failed for %s: %v", e.ReqID, err)
		r.settle(e.ReqID, errs.Wrap(e.Kind, "retry bookkeeping failed", e.Err))
		return
	}
	if !result.ShouldRetry {
		r.settle(e.ReqID, errs.Wrap(e.Kind, "retry budget exhausted", e.Err))
		return
	}
	observability.RequestRetries.Inc()

	pe, ok := r.peek(e.ReqID)
	if !ok {
		return
	}

	if key := firstExcluded(result.Exclude); key != 0 && !r.retryRL.allowRetry(key) {
		log.Printf("repeater: retry for %s throttled against node %d", e.ReqID, key)
	}

	alloc := &scheduler.PendingAllocation{
		ReqID:      e.ReqID,
		Kind:       pe.kind,
		PrefixHash: pe.prefixHash,
		Exclude:    result.Exclude,
	}
	if err := r.sched.Submit(alloc); err != nil {
		r.settle(e.ReqID, err)
	}
}

func firstExcluded(exclude map[uint64]bool) uint64 {
	for id := range exclude {
		return id
	}
	return 0
}

// handleFatal implements USER_DIS_CONN: terminate the request and make a
// best-effort attempt to tell its assigned peers to abort. spec.md names
// no wire contract for that peer notification, so it is logged rather
// than dispatched over an endpoint this repo doesn't otherwise define.
func (r *Repeater) handleFatal(e exception.Event) {
	req, _ := r.mgr.Get(e.ReqID)
	_ = r.mgr.Except(e.ReqID)
	r.settle(e.ReqID, errs.Wrap(e.Kind, "fatal", e.Err))
	if req != nil && req.HasPID {
		log.Printf("repeater: user disconnect on %s, notifying peer %d to abort", e.ReqID, req.PID)
	}
	if req != nil && req.HasDID && req.DID != req.PID {
		log.Printf("repeater: user disconnect on %s, notifying peer %d to abort", e.ReqID, req.DID)
	}
}

func (r *Repeater) handleScheduleTimeout(e exception.Event) {
	pe, ok := r.take(e.ReqID)
	if !ok {
		return
	}
	pe.cancel()
	if err := r.mgr.TimeoutReq(e.ReqID); err != nil {
		log.Printf("repeater: %v", err)
	}
	pe.done <- errs.Wrap(e.Kind, "schedule timeout", e.Err)
}

func (r *Repeater) handleTerminalTimeout(e exception.Event) {
	pe, ok := r.take(e.ReqID)
	if !ok {
		return
	}
	pe.cancel()
	if err := r.mgr.Except(e.ReqID); err != nil {
		log.Printf("repeater: %v", err)
	}
	pe.done <- errs.Wrap(e.Kind, "terminal timeout", e.Err)
}
