package controllistener

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/inferfleet/clusterctl/internal/errs"
	"github.com/inferfleet/clusterctl/internal/idempotency"
	"github.com/inferfleet/clusterctl/internal/model"
	"github.com/inferfleet/clusterctl/internal/repeater"
	"github.com/inferfleet/clusterctl/internal/scheduler"
)

// idempotencyHeader names the client-supplied retry key RETRY_DUPLICATE_REQID
// dedups on. It is distinct from reqId, which ReqManager always mints fresh
// server-side — this header is the only thing that lets two HTTP attempts
// be recognized as "the same" submission.
const idempotencyHeader = "X-Idempotency-Key"

// routeSpec pins one data-plane path to the protocol it speaks and the
// allocation shape its inference needs. No route does schema-aware body
// transformation — each just forwards the client's native payload through
// to whichever worker(s) Scheduler picks (spec.md §6: "each route consumes
// the protocol's native request schema and re-emits its native response").
type routeSpec struct {
	protocol model.ClientProtocol
	kind     scheduler.PendingKind
	stream   bool
}

// dataPlaneRoutes enumerates every route in spec.md §6's data-plane list.
// The tokenizer-only routes use PendingSingleNode — tokenization needs no
// decode half — every other route needs the full P-then-stream-D pipeline
// and so uses PendingPDPair. This split is an Open Question decision
// (spec.md names the routes but not which need a D half) recorded in
// DESIGN.md.
var dataPlaneRoutes = map[string]routeSpec{
	"/v2/models/{model}/generate":        {model.ProtocolOpenAI, scheduler.PendingPDPair, false},
	"/v2/models/{model}/generate_stream": {model.ProtocolOpenAI, scheduler.PendingPDPair, true},
	"/generate":                          {model.ProtocolTriton, scheduler.PendingPDPair, false},
	"/generate_stream":                   {model.ProtocolTriton, scheduler.PendingPDPair, true},
	"/v1/completions":                    {model.ProtocolOpenAI, scheduler.PendingPDPair, false},
	"/v1/chat/completions":               {model.ProtocolOpenAI, scheduler.PendingPDPair, false},
	"/infer":                             {model.ProtocolTGI, scheduler.PendingPDPair, false},
	"/infer_token":                       {model.ProtocolTokenizer, scheduler.PendingSingleNode, false},
	"/v1/tokenizer":                      {model.ProtocolTokenizer, scheduler.PendingSingleNode, false},
	"/":                                  {model.ProtocolMindIE, scheduler.PendingPDPair, false},
}

func (l *Listener) registerDataPlane(r *mux.Router) {
	for path, spec := range dataPlaneRoutes {
		r.HandleFunc(path, l.handleDataPlane(spec)).Methods("POST")
	}
}

// handleDataPlane implements the Coordinator→user flow from spec.md §2:
// RequestRepeater.Admit -> ReqManager.Register -> RequestRepeater.Track ->
// Scheduler.Submit ->
// wait for the dispatch outcome. Streaming responses are flushed chunk by
// chunk as RequestRepeater's dispatch writes them.
func (l *Listener) handleDataPlane(spec routeSpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idemKey := r.Header.Get(idempotencyHeader)
		if idemKey != "" && l.idem != nil {
			if outcome, seen := l.idem.Seen(r.Context(), idemKey); seen {
				writeErr(w, errs.New(errs.RetryDuplicateReqID, outcome.Message))
				return
			}
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeBadRequest(w, "failed to read request body")
			return
		}

		if err := l.rep.Admit(); err != nil {
			writeErr(w, err)
			return
		}

		stream := spec.stream || r.Header.Get("Accept") == "text/event-stream"
		req := l.mgr.Register(spec.protocol, stream, r.Header.Get("X-Tenant-Id"), nil)

		out := newFlushWriter(w)
		route := repeater.Route{ReqID: req.ReqID, Path: r.URL.Path, Header: r.Header, Body: body}
		done := l.rep.Track(r.Context(), req.ReqID, spec.kind, nil, route, out)

		alloc := &scheduler.PendingAllocation{ReqID: req.ReqID, Kind: spec.kind}
		if err := l.sched.Submit(alloc); err != nil {
			l.rep.Abandon(req.ReqID)
			l.recordOutcome(r.Context(), idemKey, model.StateException, err)
			writeErr(w, err)
			return
		}

		select {
		case err := <-done:
			if err != nil && !out.started {
				l.recordOutcome(r.Context(), idemKey, model.StateException, err)
				writeErr(w, err)
				return
			}
			if err != nil {
				log.Printf("controllistener: request %s ended in error after streaming began: %v", req.ReqID, err)
				l.recordOutcome(r.Context(), idemKey, model.StateException, err)
				return
			}
			l.recordOutcome(r.Context(), idemKey, model.StateFinished, nil)
		case <-r.Context().Done():
			l.rep.Abandon(req.ReqID)
		}
	}
}

// recordOutcome stores the terminal result of a request under its client
// idempotency key, if one was supplied and a Store is configured. A bare
// reqId is never used as the key — it is always fresh, so it could never
// collide with a future retry.
func (l *Listener) recordOutcome(ctx context.Context, idemKey string, state model.RequestState, err error) {
	if idemKey == "" || l.idem == nil {
		return
	}
	status := http.StatusOK
	msg := "ok"
	if err != nil {
		status = http.StatusInternalServerError
		var e *errs.Error
		if errors.As(err, &e) {
			if s := e.Kind.HTTPStatus(); s != 0 {
				status = s
			}
		}
		msg = err.Error()
	}
	l.idem.Record(ctx, idemKey, idempotency.Outcome{State: state.String(), StatusCode: status, Message: msg})
}

// flushWriter flushes the underlying ResponseWriter after every write when
// it supports http.Flusher, so a streaming D response reaches the client
// chunk by chunk instead of buffering until the handler returns.
type flushWriter struct {
	w       http.ResponseWriter
	f       http.Flusher
	started bool
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	f, _ := w.(http.Flusher)
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	fw.started = true
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
