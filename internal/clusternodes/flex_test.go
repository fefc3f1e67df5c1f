package clusternodes

import (
	"testing"

	"github.com/inferfleet/clusterctl/internal/model"
)

func flexInstance(id uint64, ratio int, slots, blocks uint64, peers ...uint64) *model.ClusterInstance {
	return &model.ClusterInstance{
		ID:          id,
		Role:        model.RoleFlex,
		AvailSlots:  slots,
		AvailBlocks: blocks,
		TotalSlots:  slots,
		TotalBlocks: blocks,
		Peers:       peers,
		FlexPRatio:  ratio,
	}
}

func TestProcessFlexInstanceFullPrefillRewritesRoleInPlace(t *testing.T) {
	inst := flexInstance(5, 100, 100, 50)
	ids, out, err := ProcessFlexInstance([]uint64{5}, []*model.ClusterInstance{inst})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Role != model.RolePrefill || out[0].ID != 5 {
		t.Fatalf("expected a single id-5 PREFILL, got %+v", out)
	}
	if len(ids) != 1 || ids[0] != 5 {
		t.Fatalf("expected ids=[5], got %v", ids)
	}
}

func TestProcessFlexInstanceFullDecodeMasksID(t *testing.T) {
	inst := flexInstance(5, 0, 100, 50)
	ids, out, err := ProcessFlexInstance([]uint64{5}, []*model.ClusterInstance{inst})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantID := uint64(5) | DecodeSplitMask
	if len(out) != 1 || out[0].Role != model.RoleDecode || out[0].ID != wantID {
		t.Fatalf("expected a single masked-id DECODE, got %+v", out)
	}
	if len(ids) != 1 || ids[0] != wantID {
		t.Fatalf("expected ids=[%d], got %v", wantID, ids)
	}
}

func TestProcessFlexInstancePartialSplitsIntoPandDPreservingPeers(t *testing.T) {
	inst := flexInstance(5, 30, 100, 100, 11, 12)
	ids, out, err := ProcessFlexInstance([]uint64{5}, []*model.ClusterInstance{inst})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || len(ids) != 2 {
		t.Fatalf("expected 2 virtual instances, got %d", len(out))
	}

	var p, d *model.ClusterInstance
	for _, inst := range out {
		switch inst.Role {
		case model.RolePrefill:
			p = inst
		case model.RoleDecode:
			d = inst
		}
	}
	if p == nil || d == nil {
		t.Fatalf("expected one PREFILL and one DECODE, got %+v", out)
	}
	if p.ID != 5 || d.ID != (uint64(5)|DecodeSplitMask) {
		t.Fatalf("unexpected split ids: p=%d d=%d", p.ID, d.ID)
	}
	if p.AvailSlots != 30 || d.AvailSlots != 70 {
		t.Fatalf("expected a 30/70 slot split, got p=%d d=%d", p.AvailSlots, d.AvailSlots)
	}
	if len(p.Peers) != 2 || len(d.Peers) != 2 {
		t.Fatalf("expected both halves to preserve the peer set, got p=%v d=%v", p.Peers, d.Peers)
	}
}

func TestProcessFlexInstancePartialSplitRoundsWithoutDroppingAUnit(t *testing.T) {
	// A 30/70 split against a non-round total (200 slots, 1024 blocks).
	// Floor-dividing both halves independently (1024*30/100=307,
	// 1024*70/100=716) loses a block; the decode half must be computed as
	// the complement of the prefill half so the two sum back to the total.
	inst := flexInstance(5, 30, 200, 1024)
	_, out, err := ProcessFlexInstance([]uint64{5}, []*model.ClusterInstance{inst})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var p, d *model.ClusterInstance
	for _, inst := range out {
		switch inst.Role {
		case model.RolePrefill:
			p = inst
		case model.RoleDecode:
			d = inst
		}
	}
	if p == nil || d == nil {
		t.Fatalf("expected one PREFILL and one DECODE, got %+v", out)
	}
	if p.AvailBlocks != 307 || d.AvailBlocks != 717 {
		t.Fatalf("expected a 307/717 block split, got p=%d d=%d", p.AvailBlocks, d.AvailBlocks)
	}
	if p.AvailBlocks+d.AvailBlocks != 1024 {
		t.Fatalf("expected the split to sum to the original total_block_num, got %d", p.AvailBlocks+d.AvailBlocks)
	}
	if p.AvailSlots+d.AvailSlots != 200 {
		t.Fatalf("expected the split to sum to the original total_slots, got %d", p.AvailSlots+d.AvailSlots)
	}
}

func TestProcessFlexInstanceRejectsMaskCollisionWithRealID(t *testing.T) {
	flex := flexInstance(5, 0, 100, 50)
	collidingReal := &model.ClusterInstance{ID: uint64(5) | DecodeSplitMask, Role: model.RoleDecode}
	_, _, err := ProcessFlexInstance([]uint64{5, collidingReal.ID}, []*model.ClusterInstance{flex, collidingReal})
	if err == nil {
		t.Fatalf("expected a collision to be rejected")
	}
}

func TestProcessFlexInstancePassesNonFlexThrough(t *testing.T) {
	inst := &model.ClusterInstance{ID: 9, Role: model.RolePrefill}
	ids, out, err := ProcessFlexInstance([]uint64{9}, []*model.ClusterInstance{inst})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].ID != 9 || len(ids) != 1 {
		t.Fatalf("expected a passthrough, got %+v", out)
	}
}

func TestProcSchedulerInfoUnderFlexSituationCollapsesSplitRows(t *testing.T) {
	rows := []SchedulerAllocation{
		{ID: 5, AllocatedSlots: 10, AllocatedBlocks: 5},
		{ID: 5 | DecodeSplitMask, AllocatedSlots: 20, AllocatedBlocks: 15},
		{ID: 9, AllocatedSlots: 3, AllocatedBlocks: 1},
	}
	collapsed := ProcSchedulerInfoUnderFlexSituation(rows)
	if len(collapsed) != 2 {
		t.Fatalf("expected 2 collapsed rows, got %d", len(collapsed))
	}
	byID := make(map[uint64]SchedulerAllocation, len(collapsed))
	for _, r := range collapsed {
		byID[r.ID] = r
	}
	if byID[5].AllocatedSlots != 30 || byID[5].AllocatedBlocks != 20 {
		t.Fatalf("expected id 5 to sum both halves, got %+v", byID[5])
	}
	if byID[9].AllocatedSlots != 3 {
		t.Fatalf("expected id 9 to pass through unchanged, got %+v", byID[9])
	}
}

func TestProcTaskQuaryDInstanceIdUnderFlexSituation(t *testing.T) {
	got := ProcTaskQuaryDInstanceIdUnderFlexSituation(5)
	want := uint64(5) | DecodeSplitMask
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}
