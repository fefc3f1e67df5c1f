package controllistener

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/inferfleet/clusterctl/internal/alarm"
	"github.com/inferfleet/clusterctl/internal/clusternodes"
	"github.com/inferfleet/clusterctl/internal/exception"
	"github.com/inferfleet/clusterctl/internal/reqmanager"
	"github.com/inferfleet/clusterctl/internal/repeater"
	"github.com/inferfleet/clusterctl/internal/ring"
	"github.com/inferfleet/clusterctl/internal/scheduler"
	"github.com/inferfleet/clusterctl/internal/timeline"
)

func newTestListener(t *testing.T, ringName string) (*Listener, *mux.Router) {
	t.Helper()
	nodes := clusternodes.New()
	sched := scheduler.New(scheduler.DefaultConfig())
	mgr := reqmanager.New(2, reqmanager.Timeouts{})
	monitor := exception.New()
	monitor.Start()
	t.Cleanup(monitor.Stop)

	r, err := ring.Create(ringName, ring.DefaultAlarmBufferSize, ring.ModeRetain)
	if err != nil {
		t.Fatalf("ring.Create: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	alarms := alarm.NewPipeline(r)

	rep := repeater.New(mgr, sched, monitor, alarms, repeater.DefaultConfig())

	l := New(nodes, sched, mgr, rep, nil)
	router := mux.NewRouter()
	l.Register(router)
	return l, router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRefreshLandsInstancesAndFlipsReadiness(t *testing.T) {
	_, router := newTestListener(t, "/clusterctl_test_cl_refresh")

	rec := doJSON(t, router, "GET", "/v2/health/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before any refresh, got %d", rec.Code)
	}

	payload := refreshPayload{
		IDs: []uint64{1, 2},
		Instances: []instanceWire{
			{ID: 1, IP: "10.0.0.1", Port: 8001, StaticInfo: staticInfoWire{Role: "prefill", TotalSlotsNum: 10}, DynamicInfo: dynamicInfoWire{AvailSlotsNum: 10}},
			{ID: 2, IP: "10.0.0.2", Port: 8002, StaticInfo: staticInfoWire{Role: "decode", TotalBlockNum: 10}, DynamicInfo: dynamicInfoWire{AvailBlockNum: 10}},
		},
	}
	rec = doJSON(t, router, "POST", "/v1/instances/refresh", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, "GET", "/v2/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once a P and a D have landed, got %d", rec.Code)
	}
}

func TestOfflineClosesInstanceAndOnlineReopensIt(t *testing.T) {
	l, router := newTestListener(t, "/clusterctl_test_cl_offline")

	payload := refreshPayload{
		IDs: []uint64{1},
		Instances: []instanceWire{
			{ID: 1, IP: "10.0.0.1", Port: 8001, StaticInfo: staticInfoWire{Role: "prefill", TotalSlotsNum: 10}, DynamicInfo: dynamicInfoWire{AvailSlotsNum: 10}},
		},
	}
	doJSON(t, router, "POST", "/v1/instances/refresh", payload)

	rec := doJSON(t, router, "POST", "/v1/instances/offline", idsPayload{IDs: []uint64{1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("offline: expected 200, got %d", rec.Code)
	}
	inst, ok := l.nodes.Get(1)
	if !ok || !inst.Closed {
		t.Fatalf("expected instance 1 marked closed, got %+v ok=%v", inst, ok)
	}

	rec = doJSON(t, router, "POST", "/v1/instances/online", idsPayload{IDs: []uint64{1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("online: expected 200, got %d", rec.Code)
	}
	inst, ok = l.nodes.Get(1)
	if !ok || inst.Closed {
		t.Fatalf("expected instance 1 reopened, got %+v ok=%v", inst, ok)
	}
}

func TestTasksReportsMinusOneForUnknownID(t *testing.T) {
	_, router := newTestListener(t, "/clusterctl_test_cl_tasks")

	rec := doJSON(t, router, "GET", "/v1/instances/tasks?id=99", nil)
	var resp tasksResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0] != -1 {
		t.Fatalf("expected [-1] for an unknown id, got %+v", resp.Tasks)
	}
}

func TestQueryTasksAnswersIsEndFromReqManager(t *testing.T) {
	l, router := newTestListener(t, "/clusterctl_test_cl_querytasks")

	rec := doJSON(t, router, "POST", "/v1/instances/query_tasks", queryTasksRequest{PID: 1, DID: 2})
	var resp queryTasksResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.IsEnd {
		t.Fatalf("expected is_end=true with no in-flight requests routed through 1 or 2")
	}

	req := l.mgr.Register(0, false, "", nil)
	if err := l.mgr.AssignSingleNode(req.ReqID, 1); err != nil {
		t.Fatalf("AssignSingleNode: %v", err)
	}
	rec = doJSON(t, router, "POST", "/v1/instances/query_tasks", queryTasksRequest{PID: 1, DID: 2})
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.IsEnd {
		t.Fatalf("expected is_end=false while request %s still routes through node 1", req.ReqID)
	}
}

func TestTimelineReportsRecordedStagesForARequest(t *testing.T) {
	l, router := newTestListener(t, "/clusterctl_test_cl_timeline")
	tl := timeline.NewStore()
	l.mgr.SetTimeline(tl)
	l.SetTimeline(tl)

	req := l.mgr.Register(0, false, "", nil)
	if err := l.mgr.AssignSingleNode(req.ReqID, 1); err != nil {
		t.Fatalf("AssignSingleNode: %v", err)
	}

	rec := doJSON(t, router, "GET", "/v1/debug/timeline?req_id="+req.ReqID, nil)
	var resp timelineResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 2 || resp.Events[0].Stage != "REGISTERED" || resp.Events[1].Stage != "SENT_TO_P" {
		t.Fatalf("expected REGISTERED then SENT_TO_P for %s, got %+v", req.ReqID, resp.Events)
	}

	rec = doJSON(t, router, "GET", "/v1/debug/timeline?req_id=unknown", nil)
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Events) != 0 {
		t.Fatalf("expected no events for an unrelated req id, got %+v", resp.Events)
	}
}
