package repeater

import "testing"

func TestCongestionGateTripsAndClearsWithHysteresis(t *testing.T) {
	g := newCongestionGate(nil, Config{MaxReqs: 10, AlarmThreshold: 0.9, ClearThreshold: 0.7})

	if err := g.admit(8); err != nil {
		t.Fatalf("expected admission below threshold, got %v", err)
	}
	if err := g.admit(9); err == nil {
		t.Fatalf("expected rejection at 9/10 (threshold 0.9*10=9)")
	}
	// Dipping to 8 is still above the clear threshold (7) — hysteresis
	// keeps rejecting.
	if err := g.admit(8); err == nil {
		t.Fatalf("expected continued rejection while above clear threshold")
	}
	if err := g.admit(7); err != nil {
		t.Fatalf("expected admission to clear at the clear threshold, got %v", err)
	}
	if err := g.admit(9); err == nil {
		t.Fatalf("expected rejection to re-trip on crossing the alarm threshold again")
	}
}
