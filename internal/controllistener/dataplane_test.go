package controllistener

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func splitHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	var host string
	var port int
	if _, err := fmt.Sscanf(srv.URL, "http://%[^:]:%d", &host, &port); err != nil {
		t.Fatalf("parsing test server url %q: %v", srv.URL, err)
	}
	return host, port
}

func TestDataPlaneSingleNodeRouteProxiesWorkerResponse(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tokens":[1,2,3]}`))
	}))
	defer worker.Close()
	host, port := splitHostPort(t, worker)

	l, router := newTestListener(t, "/clusterctl_test_cl_dataplane_single")
	l.sched.Start(context.Background())
	defer l.sched.Stop()
	l.rep.Start(context.Background())
	defer l.rep.Stop()

	doJSON(t, router, "POST", "/v1/instances/refresh", refreshPayload{
		IDs: []uint64{1},
		Instances: []instanceWire{
			{ID: 1, IP: host, Port: port, StaticInfo: staticInfoWire{Role: "prefill", TotalSlotsNum: 10}, DynamicInfo: dynamicInfoWire{AvailSlotsNum: 10}},
		},
	})

	req := httptest.NewRequest("POST", "/v1/tokenizer", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for data-plane dispatch")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"tokens":[1,2,3]}` {
		t.Fatalf("expected worker body proxied verbatim, got %q", rec.Body.String())
	}
}

func TestDataPlaneStreamRouteSplicesDecodeResponse(t *testing.T) {
	pSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ack"))
	}))
	defer pSrv.Close()
	dSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: token\n\n"))
	}))
	defer dSrv.Close()
	pHost, pPort := splitHostPort(t, pSrv)
	dHost, dPort := splitHostPort(t, dSrv)

	l, router := newTestListener(t, "/clusterctl_test_cl_dataplane_stream")
	l.sched.Start(context.Background())
	defer l.sched.Stop()
	l.rep.Start(context.Background())
	defer l.rep.Stop()

	doJSON(t, router, "POST", "/v1/instances/refresh", refreshPayload{
		IDs: []uint64{1, 2},
		Instances: []instanceWire{
			{ID: 1, IP: pHost, Port: pPort, StaticInfo: staticInfoWire{Role: "prefill", TotalSlotsNum: 10}, DynamicInfo: dynamicInfoWire{AvailSlotsNum: 10}},
			{ID: 2, IP: dHost, Port: dPort, StaticInfo: staticInfoWire{Role: "decode", TotalBlockNum: 10}, DynamicInfo: dynamicInfoWire{AvailBlockNum: 10}},
		},
	})

	req := httptest.NewRequest("POST", "/generate_stream", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for PD data-plane dispatch")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "data: token\n\n" {
		t.Fatalf("expected only D's stream spliced to the client, got %q", rec.Body.String())
	}
}
