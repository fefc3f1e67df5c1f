package workerclient

import (
	"context"
	"log"
)

// Candidate is one node eligible for a batch liveness/availability sweep.
type Candidate struct {
	ID             uint64
	IP             string
	Port           int
	DPGroupPeerIDs []uint64
}

// GetAvailableNodes iterates candidates up to limit attempts, querying
// status; a node is available only when it has finished, and for
// distributed deployments only when every member of its dpGroupPeers has
// also finished. Grounded on coordination.AgentMonitor's iterate-classify-
// update sweep (checkLiveness), adapted from a heartbeat-staleness check to
// a status-based finished check.
func (c *Client) GetAvailableNodes(ctx context.Context, candidates []Candidate, limit int) []uint64 {
	finished := make(map[uint64]bool, len(candidates))

	attempts := 0
	for _, cand := range candidates {
		if attempts >= limit {
			break
		}
		attempts++
		status, err := c.UpdateNodeStatus(ctx, cand.IP, cand.Port, false)
		if err != nil {
			log.Printf("workerclient: GetAvailableNodes: node %d unreachable: %v", cand.ID, err)
			continue
		}
		finished[cand.ID] = status.RoleStatus == "RoleReady"
	}

	var available []uint64
	for _, cand := range candidates {
		if !finished[cand.ID] {
			continue
		}
		allPeersFinished := true
		for _, peerID := range cand.DPGroupPeerIDs {
			if !finished[peerID] {
				allPeersFinished = false
				break
			}
		}
		if allPeersFinished {
			available = append(available, cand.ID)
		}
	}
	return available
}

// CheckStatus polls a set of nodes until either all are READY or a stable
// UNKNOWN majority remains, returning the final classification keyed by id.
func (c *Client) CheckStatus(ctx context.Context, nodes []Candidate, maxAttempts int) map[uint64]string {
	result := make(map[uint64]string, len(nodes))
	for _, n := range nodes {
		result[n.ID] = "RoleUnknown"
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		allReady := true
		unknownCount := 0
		for _, n := range nodes {
			status, err := c.UpdateNodeStatus(ctx, n.IP, n.Port, false)
			if err != nil {
				result[n.ID] = "RoleUnknown"
				unknownCount++
				allReady = false
				continue
			}
			result[n.ID] = status.RoleStatus
			if status.RoleStatus != "RoleReady" {
				allReady = false
			}
			if status.RoleStatus == "RoleUnknown" {
				unknownCount++
			}
		}
		if allReady {
			return result
		}
		if unknownCount*2 > len(nodes) {
			// Stable UNKNOWN majority: stop polling, this batch is not
			// converging.
			return result
		}
	}
	return result
}
