package clusternodes

import (
	"fmt"

	"github.com/inferfleet/clusterctl/internal/errs"
	"github.com/inferfleet/clusterctl/internal/model"
)

// DecodeSplitMask is the reserved high bit a FLEX instance's decode half
// borrows for its virtual id (decodeVirtualId = flexId | DecodeSplitMask).
// Real ids must never set this bit; ProcessFlexInstance rejects a refresh
// that would make the masked space ambiguous.
const DecodeSplitMask uint64 = 1 << 63

// ProcessFlexInstance expands every FLEX instance in instances into its
// PREFILL/DECODE virtual form:
//   - flexPRatio==100 → rewritten in place to PREFILL.
//   - flexPRatio==0   → rewritten to DECODE, id becomes id|DecodeSplitMask.
//   - otherwise       → cloned into a PREFILL (scaled by ratio) and a DECODE
//     (scaled by the complement, id masked), both carrying the original
//     peer set so either half can be scheduled against its partners.
//
// Non-FLEX instances pass through unchanged. A real (non-FLEX) instance
// whose id already carries DecodeSplitMask, or a flex split that would
// collide with an existing real id, is rejected as INVALID_INPUT.
func ProcessFlexInstance(ids []uint64, instances []*model.ClusterInstance) ([]uint64, []*model.ClusterInstance, error) {
	byID := make(map[uint64]*model.ClusterInstance, len(instances))
	for _, inst := range instances {
		byID[inst.ID] = inst
	}

	outIDs := make([]uint64, 0, len(ids))
	outInstances := make([]*model.ClusterInstance, 0, len(instances))

	for _, id := range ids {
		inst, ok := byID[id]
		if !ok {
			continue
		}

		if inst.Role != model.RoleFlex {
			if inst.ID&DecodeSplitMask != 0 {
				return nil, nil, errs.New(errs.InvalidInput, fmt.Sprintf("real id %d collides with the reserved flex-split mask", inst.ID))
			}
			outIDs = append(outIDs, id)
			outInstances = append(outInstances, inst)
			continue
		}

		decodeID := id | DecodeSplitMask
		if _, collide := byID[decodeID]; collide {
			return nil, nil, errs.New(errs.InvalidInput, fmt.Sprintf("flex split id %d collides with an existing real id", decodeID))
		}

		switch {
		case inst.FlexPRatio == 100:
			p := cloneInstance(inst)
			p.Role = model.RolePrefill
			outIDs = append(outIDs, id)
			outInstances = append(outInstances, p)

		case inst.FlexPRatio == 0:
			d := cloneInstance(inst)
			d.Role = model.RoleDecode
			d.ID = decodeID
			outIDs = append(outIDs, decodeID)
			outInstances = append(outInstances, d)

		default:
			p := cloneInstance(inst)
			p.Role = model.RolePrefill
			scaleResources(p, inst.FlexPRatio)

			d := cloneInstance(inst)
			d.Role = model.RoleDecode
			d.ID = decodeID
			complementResources(d, inst, p)

			outIDs = append(outIDs, id, decodeID)
			outInstances = append(outInstances, p, d)
		}
	}

	return outIDs, outInstances, nil
}

func cloneInstance(inst *model.ClusterInstance) *model.ClusterInstance {
	cp := *inst
	cp.Peers = append([]uint64(nil), inst.Peers...)
	cp.PrefixHash = append([]uint64(nil), inst.PrefixHash...)
	return &cp
}

func scaleResources(inst *model.ClusterInstance, pct int) {
	inst.AvailSlots = scalePct(inst.AvailSlots, pct)
	inst.AvailBlocks = scalePct(inst.AvailBlocks, pct)
	inst.TotalSlots = scalePct(inst.TotalSlots, pct)
	inst.TotalBlocks = scalePct(inst.TotalBlocks, pct)
}

func scalePct(v uint64, pct int) uint64 {
	return v * uint64(pct) / 100
}

// complementResources sets dst's resource fields to orig's minus scaled's,
// rather than scaling dst by the complementary percentage independently —
// floor division on two separate scalePct calls can drop a unit (e.g.
// ratio=30 against total_block_num=1024 yields 307+716=1023), so the
// decode half must always be computed as the remainder of the prefill
// half to keep the split invariant total exact.
func complementResources(dst, orig, scaled *model.ClusterInstance) {
	dst.AvailSlots = orig.AvailSlots - scaled.AvailSlots
	dst.AvailBlocks = orig.AvailBlocks - scaled.AvailBlocks
	dst.TotalSlots = orig.TotalSlots - scaled.TotalSlots
	dst.TotalBlocks = orig.TotalBlocks - scaled.TotalBlocks
}

// SchedulerAllocation is one row of the scheduler's per-instance allocation
// ledger, keyed by the (possibly virtual) instance id it was computed
// against.
type SchedulerAllocation struct {
	ID              uint64
	AllocatedSlots  uint64
	AllocatedBlocks uint64
}

// ProcSchedulerInfoUnderFlexSituation collapses the two virtual rows a
// split FLEX instance produced back into a single row keyed by the
// original flex id, summing allocated slots/blocks. Rows that never went
// through the split (the mask bit unset) pass through unchanged.
func ProcSchedulerInfoUnderFlexSituation(schedInfo []SchedulerAllocation) []SchedulerAllocation {
	collapsed := make(map[uint64]*SchedulerAllocation, len(schedInfo))
	var order []uint64

	for _, row := range schedInfo {
		origID := row.ID &^ DecodeSplitMask
		if existing, ok := collapsed[origID]; ok {
			existing.AllocatedSlots += row.AllocatedSlots
			existing.AllocatedBlocks += row.AllocatedBlocks
			continue
		}
		cp := row
		cp.ID = origID
		collapsed[origID] = &cp
		order = append(order, origID)
	}

	out := make([]SchedulerAllocation, 0, len(order))
	for _, id := range order {
		out = append(out, *collapsed[id])
	}
	return out
}

// ProcTaskQuaryDInstanceIdUnderFlexSituation maps a flex id to its masked D
// twin for task-count queries.
func ProcTaskQuaryDInstanceIdUnderFlexSituation(flexID uint64) uint64 {
	return flexID | DecodeSplitMask
}
