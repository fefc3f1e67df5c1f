package timeline

import "testing"

func TestRecordStampsZeroTimestamp(t *testing.T) {
	s := NewStore()
	s.Record(Event{ReqID: "r1", Stage: StageRegistered})
	events := s.EventsFor("r1")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Timestamp.IsZero() {
		t.Fatalf("expected Record to stamp a zero timestamp")
	}
}

func TestEventsForFiltersByReqID(t *testing.T) {
	s := NewStore()
	s.Record(Event{ReqID: "r1", Stage: StageRegistered})
	s.Record(Event{ReqID: "r2", Stage: StageRegistered})
	s.Record(Event{ReqID: "r1", Stage: StageFinished})

	events := s.EventsFor("r1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events for r1, got %d", len(events))
	}
	if events[0].Stage != StageRegistered || events[1].Stage != StageFinished {
		t.Fatalf("expected recording order preserved, got %+v", events)
	}

	if len(s.EventsFor("unknown")) != 0 {
		t.Fatalf("expected no events for an unknown req id")
	}
}

func TestGetAllEventsReturnsACopy(t *testing.T) {
	s := NewStore()
	s.Record(Event{ReqID: "r1", Stage: StageRegistered})

	all := s.GetAllEvents()
	all[0].Stage = "TAMPERED"

	if s.GetAllEvents()[0].Stage != StageRegistered {
		t.Fatalf("expected GetAllEvents to return a defensive copy")
	}
}
