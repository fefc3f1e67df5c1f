package statusupdater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/inferfleet/clusterctl/internal/model"
	"github.com/inferfleet/clusterctl/internal/nodestore"
	"github.com/inferfleet/clusterctl/internal/workerclient"
)

func splitAddr(t *testing.T, url string) (string, int) {
	u := strings.TrimPrefix(url, "http://")
	parts := strings.Split(u, ":")
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return parts[0], port
}

type alwaysLeader struct{ v bool }

func (a alwaysLeader) IsLeader() bool { return a.v }

type recordingPusher struct {
	mu    sync.Mutex
	calls int
	last  []*model.NodeInfo
}

func (p *recordingPusher) PushSnapshot(ctx context.Context, nodes []*model.NodeInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = nodes
	return nil
}

func baseNode(id uint64, ip string, port int) *model.NodeInfo {
	return &model.NodeInfo{
		ID:       id,
		IP:       ip,
		MgmtPort: port,
		Role:     model.RolePrefill,
	}
}

func TestPollNodeMarksHealthyAndUpdatesRoleState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"service":{"roleStatus":"RoleReady","currentRole":"prefill"},"resource":{"availSlotsNum":10,"availBlockNum":20}}`))
	}))
	defer srv.Close()
	ip, port := splitAddr(t, srv.URL)

	store := nodestore.New()
	store.AddNode(baseNode(1, ip, port))

	u := New(store, workerclient.New(nil), alwaysLeader{true}, &recordingPusher{}, nil, nil, Config{})
	u.pollOnce(context.Background())

	n, ok := store.GetNode(1)
	if !ok {
		t.Fatalf("node 1 vanished")
	}
	if !n.IsHealthy {
		t.Fatalf("expected node to be marked healthy")
	}
	if n.RoleState != model.RoleStateReady {
		t.Fatalf("expected RoleStateReady, got %v", n.RoleState)
	}
}

func TestPollNodeMarksUnhealthyOnUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	ip, port := splitAddr(t, srv.URL)
	srv.Close() // connection now refused

	store := nodestore.New()
	n := baseNode(7, ip, port)
	n.IsHealthy = true
	store.AddNode(n)

	u := New(store, workerclient.New(nil), alwaysLeader{true}, &recordingPusher{}, nil, nil, Config{})
	u.pollOnce(context.Background())

	got, _ := store.GetNode(7)
	if got.IsHealthy {
		t.Fatalf("expected node to be marked unhealthy after an unreachable poll")
	}
	if got.RoleState != model.RoleStateUnknown {
		t.Fatalf("expected RoleStateUnknown, got %v", got.RoleState)
	}
}

func TestCommitStaticInfoCommitsOnceForPrefillReady(t *testing.T) {
	var configCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/config":
			configCalls.Add(1)
			w.Write([]byte(`{"modelName":"llama","maxSeqLen":4096,"maxOutputLen":2048,"cacheBlockSize":16}`))
		default:
			w.Write([]byte(`{"service":{"roleStatus":"RoleReady","currentRole":"prefill"},"resource":{"availSlotsNum":10,"availBlockNum":20}}`))
		}
	}))
	defer srv.Close()
	ip, port := splitAddr(t, srv.URL)

	store := nodestore.New()
	store.AddNode(baseNode(3, ip, port))

	u := New(store, workerclient.New(nil), alwaysLeader{true}, &recordingPusher{}, nil, nil, Config{})
	u.pollOnce(context.Background())
	u.pollOnce(context.Background())

	n, _ := store.GetNode(3)
	if !n.StaticCommitted {
		t.Fatalf("expected static info to be committed")
	}
	if n.Static.TotalSlots != 10 || n.Static.TotalBlocks != 20 {
		t.Fatalf("unexpected committed static capacity: %+v", n.Static)
	}
	if configCalls.Load() != 1 {
		t.Fatalf("expected exactly 1 /config call across two poll rounds, got %d", configCalls.Load())
	}
}

func TestPushOnceInvokesPusherWithSnapshot(t *testing.T) {
	store := nodestore.New()
	store.AddNode(baseNode(1, "10.0.0.1", 9000))
	store.AddNode(baseNode(2, "10.0.0.2", 9000))

	pusher := &recordingPusher{}
	u := New(store, workerclient.New(nil), alwaysLeader{true}, pusher, nil, nil, Config{})
	u.pushOnce(context.Background())

	if pusher.calls != 1 {
		t.Fatalf("expected exactly 1 push call, got %d", pusher.calls)
	}
	if len(pusher.last) != 2 {
		t.Fatalf("expected snapshot of 2 nodes, got %d", len(pusher.last))
	}
}

func TestPushOnceRunsWithoutLeaderGate(t *testing.T) {
	store := nodestore.New()
	store.AddNode(baseNode(1, "10.0.0.1", 9000))
	pusher := &recordingPusher{}

	u := New(store, workerclient.New(nil), alwaysLeader{false}, pusher, nil, nil, Config{})
	u.pushOnce(context.Background()) // direct call always runs; the leader gate lives in pushLoop/pollLoop

	// pushOnce itself has no leader check (that belongs to pushLoop); this
	// test documents that pollLoop/pushLoop, not pollOnce/pushOnce, are
	// responsible for gating on leadership.
	if pusher.calls != 1 {
		t.Fatalf("expected pushOnce to run unconditionally when called directly")
	}
}
