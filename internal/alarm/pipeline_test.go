package alarm

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/inferfleet/clusterctl/internal/ring"
)

func validRecord(eventType string) Record {
	return Record{
		Category:            CategoryServer,
		EventType:           eventType,
		Severity:            SeverityWarning,
		ServiceAffectedType: ServiceAffectedNone,
		ReasonID:            "R001",
	}
}

func TestOverflowDropsOldestAndReadsRemainderInOrder(t *testing.T) {
	name := "/clusterctl_test_alarm_overflow"
	r, err := ring.Create(name, ring.DefaultAlarmBufferSize, ring.ModeRetain)
	if err != nil {
		t.Fatalf("ring.Create: %v", err)
	}
	defer r.Close()

	p := NewPipeline(r)

	// Fill to capacity without starting the drain worker so overflow is
	// deterministic: push 1001 records, the first must be the one dropped.
	for i := 0; i < capacity+1; i++ {
		p.AlarmAdded(validRecord(fmt.Sprintf("evt-%d", i)))
	}
	if p.Dropped() != 1 {
		t.Fatalf("expected exactly 1 dropped record, got %d", p.Dropped())
	}

	p.mu.Lock()
	queued := len(p.deque)
	first := p.deque[0].EventType
	p.mu.Unlock()
	if queued != capacity {
		t.Fatalf("expected queue to settle at capacity=%d, got %d", capacity, queued)
	}
	if first != "evt-1" {
		t.Fatalf("expected oldest surviving record to be evt-1 (evt-0 dropped), got %s", first)
	}

	p.Start()
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)

	msg, ok := r.Read()
	if !ok {
		t.Fatalf("expected the first drained record to be readable from the ring")
	}
	if !strings.Contains(string(msg), `"evt-1"`) {
		t.Fatalf("expected first ring message to carry evt-1, got %s", msg)
	}
}

func TestListenerDropsOnlyInvalidRecordsInBatch(t *testing.T) {
	name := "/clusterctl_test_alarm_listener"
	r, err := ring.Create(name, ring.DefaultAlarmBufferSize, ring.ModeRetain)
	if err != nil {
		t.Fatalf("ring.Create: %v", err)
	}
	defer r.Close()

	p := NewPipeline(r)
	l := NewListener(p)
	router := mux.NewRouter()
	l.Register(router)

	body := `[
		{"category":"server","eventType":"e1","severity":"warning","serviceAffectedType":"none","reasonId":"R1"},
		{"category":"not-a-real-category","eventType":"e2","severity":"warning","serviceAffectedType":"none","reasonId":"R2"}
	]`
	req := httptest.NewRequest("POST", "/v1/alarm/coordinator", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"accepted":1`) {
		t.Fatalf("expected exactly 1 accepted record, got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"rejected":1`) {
		t.Fatalf("expected exactly 1 rejected record, got %s", rec.Body.String())
	}
}
