package clusternodes

import (
	"testing"

	"github.com/inferfleet/clusterctl/internal/model"
)

func TestRefreshExpandsFlexAndSurvivesGetAll(t *testing.T) {
	c := New()
	instances := []*model.ClusterInstance{
		flexInstance(5, 30, 100, 100),
		{ID: 9, Role: model.RolePrefill, AvailSlots: 7},
	}
	if err := c.Refresh([]uint64{5, 9}, instances); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	all := c.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 materialized instances (flex split in two + 1 real), got %d", len(all))
	}

	if _, ok := c.Get(9); !ok {
		t.Fatalf("expected id 9 to survive the refresh")
	}
	if _, ok := c.Get(5 | DecodeSplitMask); !ok {
		t.Fatalf("expected the flex decode twin to be present")
	}
}

func TestRefreshRejectsCollisionAndLeavesPriorStateIntact(t *testing.T) {
	c := New()
	if err := c.Refresh([]uint64{1}, []*model.ClusterInstance{{ID: 1, Role: model.RolePrefill}}); err != nil {
		t.Fatalf("initial Refresh: %v", err)
	}

	bad := []*model.ClusterInstance{
		flexInstance(5, 0, 10, 10),
		{ID: 5 | DecodeSplitMask, Role: model.RoleDecode},
	}
	if err := c.Refresh([]uint64{5, 5 | DecodeSplitMask}, bad); err == nil {
		t.Fatalf("expected the colliding refresh to be rejected")
	}

	if _, ok := c.Get(1); !ok {
		t.Fatalf("expected the prior instance set to survive a rejected refresh")
	}
}

func TestTaskCountAndDInstanceTaskCount(t *testing.T) {
	c := New()
	c.IncrTask(5|DecodeSplitMask, 3)
	if c.DInstanceTaskCount(5) != 3 {
		t.Fatalf("expected DInstanceTaskCount(5) to resolve the masked twin")
	}
	c.IncrTask(5|DecodeSplitMask, -1)
	if c.DInstanceTaskCount(5) != 2 {
		t.Fatalf("expected task count to decrement")
	}
}

func TestGetReturnsDeepCopy(t *testing.T) {
	c := New()
	c.Refresh([]uint64{1}, []*model.ClusterInstance{{ID: 1, Role: model.RolePrefill, Peers: []uint64{2, 3}}})

	got, _ := c.Get(1)
	got.Peers[0] = 999

	again, _ := c.Get(1)
	if again.Peers[0] == 999 {
		t.Fatalf("Get leaked a mutable reference into clusternodes' internal state")
	}
}
