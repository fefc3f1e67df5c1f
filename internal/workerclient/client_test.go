package workerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/inferfleet/clusterctl/internal/alarm"
	"github.com/inferfleet/clusterctl/internal/ring"
)

func testServerAddr(t *testing.T, srv *httptest.Server) (string, int) {
	u := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(u, ":")
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return parts[0], port
}

func TestQueryInstanceInfoValidatesRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"modelName":"llama","maxSeqLen":4096,"maxOutputLen":2048,"cacheBlockSize":16}`))
	}))
	defer srv.Close()
	ip, port := testServerAddr(t, srv)

	c := New(nil)
	info, err := c.QueryInstanceInfo(context.Background(), ip, port)
	if err != nil {
		t.Fatalf("QueryInstanceInfo: %v", err)
	}
	if info.MaxOutputLen != 2048 || info.BlockSize != 16 {
		t.Fatalf("unexpected parsed static info: %+v", info)
	}
}

func TestQueryInstanceInfoRejectsOutOfRangeBlockSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"modelName":"llama","maxSeqLen":4096,"maxOutputLen":2048,"cacheBlockSize":256}`))
	}))
	defer srv.Close()
	ip, port := testServerAddr(t, srv)

	name := "/clusterctl_test_workerclient_alarm"
	r, err := ring.Create(name, ring.DefaultAlarmBufferSize, ring.ModeRetain)
	if err != nil {
		t.Fatalf("ring.Create: %v", err)
	}
	defer r.Close()
	pipeline := alarm.NewPipeline(r)

	c := New(pipeline)
	_, err = c.QueryInstanceInfo(context.Background(), ip, port)
	if err == nil {
		t.Fatalf("expected an error for blockSize=256 (out of [1,128])")
	}
	if pipeline.Dropped() != 0 {
		t.Fatalf("unexpected overflow drop in a fresh pipeline")
	}
}

func TestUpdateNodeStatusRejectsUnknownCurrentRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"service":{"roleStatus":"RoleReady","currentRole":"bogus"},"resource":{}}`))
	}))
	defer srv.Close()
	ip, port := testServerAddr(t, srv)

	c := New(nil)
	_, err := c.UpdateNodeStatus(context.Background(), ip, port, false)
	if err == nil {
		t.Fatalf("expected an error for an invalid currentRole")
	}
}

func TestPostSingleRoleSucceedsOnFirstOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()
	ip, port := testServerAddr(t, srv)

	c := New(nil)
	err := c.PostSingleRole(context.Background(), ip, port, 1, RolePayload{}, nil)
	if err != nil {
		t.Fatalf("PostSingleRole: %v", err)
	}
}

func TestPostSingleRoleExitsEarlyOnRanktableChange(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"result":"pending"}`))
	}))
	defer srv.Close()
	ip, port := testServerAddr(t, srv)

	c := New(nil)
	err := c.PostSingleRole(context.Background(), ip, port, 1, RolePayload{}, func(since time.Time) bool { return true })
	if err == nil {
		t.Fatalf("expected an error when the ranktable changes before the first attempt")
	}
	if called {
		t.Fatalf("expected PostSingleRole to never call the worker once ranktableChanged reports true")
	}
}
