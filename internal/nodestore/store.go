// Package nodestore holds the Controller's in-memory authoritative map of
// worker identity to model.NodeInfo, plus group and faulty-set indices.
// Grounded on the teacher's store package (plain struct-keyed maps
// accessed through an explicit interface) but kept purely in-memory and
// guarded by a single sync.RWMutex, per spec.md §4.4 — no network I/O is
// ever performed while the lock is held.
package nodestore

import (
	"log"
	"sync"
	"time"

	"github.com/inferfleet/clusterctl/internal/model"
)

// Store is the Controller's NodeStore.
type Store struct {
	mu sync.RWMutex

	nodes       map[uint64]*model.NodeInfo
	faulty      map[uint64]*model.NodeInfo
	groups      map[string]*model.Group
	ranktableAt time.Time
}

func New() *Store {
	return &Store{
		nodes:  make(map[uint64]*model.NodeInfo),
		faulty: make(map[uint64]*model.NodeInfo),
		groups: make(map[string]*model.Group),
	}
}

// AddNode inserts or replaces a node record.
func (s *Store) AddNode(n *model.NodeInfo) {
	if n == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n.Clone()
}

// AddNodes is the plural convenience form (AddNode(s) in spec.md §4.4).
func (s *Store) AddNodes(ns []*model.NodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		if n != nil {
			s.nodes[n.ID] = n.Clone()
		}
	}
}

// AddFaultyNode records a node in the faulty-set index without touching the
// main map.
func (s *Store) AddFaultyNode(n *model.NodeInfo) {
	if n == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faulty[n.ID] = n.Clone()
}

func (s *Store) AddFaultyNodes(ns []*model.NodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		if n != nil {
			s.faulty[n.ID] = n.Clone()
		}
	}
}

// AddExpiredNode marks an existing node's DeleteTime, retiring it without
// removing it from the map (reappearance detection in DetectNodeChanges
// relies on the record surviving with a non-zero DeleteTime).
func (s *Store) AddExpiredNode(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		log.Printf("nodestore: AddExpiredNode: unknown id %d, no-op", id)
		return
	}
	n.DeleteTime = time.Now()
}

// UpdateNodeDynamicStatus replaces a node's latest self-reported load.
func (s *Store) UpdateNodeDynamicStatus(id uint64, dyn model.DynamicInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		log.Printf("nodestore: UpdateNodeDynamicStatus: unknown id %d, no-op", id)
		return
	}
	n.Dynamic = dyn
	n.LastSeen = time.Now()
}

// UpdateRoleState sets the convergence state for a single node. Entering
// SWITCHING marks the start of a new role term, so a fresh static-info
// commit becomes due (see IsReadyToUpdateNodeStaticInfo).
func (s *Store) UpdateRoleState(id uint64, state model.RoleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		log.Printf("nodestore: UpdateRoleState: unknown id %d, no-op", id)
		return
	}
	n.RoleState = state
	if state == model.RoleStateSwitching {
		n.StaticCommitted = false
	}
}

// CommitNodeStaticInfo records static, once committed per
// IsReadyToUpdateNodeStaticInfo, as the node's capacity for this role term.
// Returns false without mutating anything if already committed this term.
func (s *Store) CommitNodeStaticInfo(id uint64, static model.StaticInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		log.Printf("nodestore: CommitNodeStaticInfo: unknown id %d, no-op", id)
		return false
	}
	if n.StaticCommitted {
		return false
	}
	n.Static = static
	n.StaticCommitted = true
	return true
}

// UpdateNode overwrites a node wholesale, keyed by its own ID.
func (s *Store) UpdateNode(n *model.NodeInfo) {
	if n == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; !ok {
		log.Printf("nodestore: UpdateNode: unknown id %d, no-op", n.ID)
		return
	}
	s.nodes[n.ID] = n.Clone()
}

// UpdateRoleStateAndPeers updates a group member's role state and peer list
// in one locked step.
func (s *Store) UpdateRoleStateAndPeers(groupID string, id uint64, state model.RoleState, peers []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		log.Printf("nodestore: UpdateRoleStateAndPeers: unknown id %d, no-op", id)
		return
	}
	n.RoleState = state
	n.Peers = append([]uint64(nil), peers...)
	n.GroupID = groupID
}

// UpdateInheritInfo transfers inheritance bookkeeping from an old id to a
// new one (used when a worker restarts and resumes an existing slot).
func (s *Store) UpdateInheritInfo(oldID, newID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[newID]
	if !ok {
		log.Printf("nodestore: UpdateInheritInfo: unknown new id %d, no-op", newID)
		return
	}
	n.IsInherited = true
	n.InheritedID = oldID
}

// UpdateNodeDeleteTime sets a specific delete time (distinct from
// AddExpiredNode, which stamps "now").
func (s *Store) UpdateNodeDeleteTime(id uint64, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		log.Printf("nodestore: UpdateNodeDeleteTime: unknown id %d, no-op", id)
		return
	}
	n.DeleteTime = t
}

// RemoveNode deletes a node from the main map entirely.
func (s *Store) RemoveNode(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// GetNode returns a deep copy so the caller can reason without re-entering
// the lock.
func (s *Store) GetNode(id uint64) (*model.NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// GetNodeByAddr finds a node by IP and port (the id|ip,port lookup named in
// spec.md §4.4).
func (s *Store) GetNodeByAddr(ip string, port int) (*model.NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.IP == ip && n.Port == port {
			return n.Clone(), true
		}
	}
	return nil, false
}

// GetAllNodes returns deep copies of every known node.
func (s *Store) GetAllNodes() []*model.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.NodeInfo, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// GetAllFaultyNodes returns deep copies of the faulty-set index.
func (s *Store) GetAllFaultyNodes() []*model.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.NodeInfo, 0, len(s.faulty))
	for _, n := range s.faulty {
		out = append(out, n.Clone())
	}
	return out
}

// DetectNodeChanges diffs proposed against the known map per spec.md §4.4's
// key algorithm: removed ids no longer proposed, new ids not yet known,
// reappearing ids whose DeleteTime was set, and device-layout mismatches
// forcing a removed+new pair to rebind.
func (s *Store) DetectNodeChanges(proposed []*model.NodeInfo) model.NodeChanges {
	s.mu.RLock()
	defer s.mu.RUnlock()

	proposedByID := make(map[uint64]*model.NodeInfo, len(proposed))
	for _, p := range proposed {
		if p.IsRetired() {
			continue // expired proposals are ignored entirely
		}
		proposedByID[p.ID] = p
	}

	var changes model.NodeChanges

	for id := range s.nodes {
		if _, ok := proposedByID[id]; !ok {
			changes.RemovedIDs = append(changes.RemovedIDs, id)
		}
	}

	for id, p := range proposedByID {
		known, ok := s.nodes[id]
		if !ok {
			changes.NewIDs = append(changes.NewIDs, id)
			continue
		}
		if known.IsRetired() {
			changes.ReappearIDs = append(changes.ReappearIDs, id)
		}
		if !model.DeviceLayoutEqual(known.ServerInfoList, p.ServerInfoList) {
			changes.RemovedIDs = append(changes.RemovedIDs, id)
			changes.NewIDs = append(changes.NewIDs, id)
		}
	}

	return changes
}

// IsPostRoleNeeded returns true exactly when the node is healthy but not
// yet initialized, or its role state/role pairing is unresolved, or it has
// peers but none active and isn't mid-role-change.
func (s *Store) IsPostRoleNeeded(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok || !n.IsHealthy {
		return false
	}
	if !n.IsInitialized {
		return true
	}
	if n.RoleState == model.RoleStateUnknown && n.CurrentRole == model.RoleUndef {
		return true
	}
	if len(n.Peers) > 0 && len(n.ActivePeers) == 0 && !n.IsRoleChangeNode {
		return true
	}
	return false
}

// IsIgnoredInPDSeparate reports whether id should be skipped by
// role-assignment logic running in split Prefill/Decode deployments
// (retired, or a flex worker, which is handled by ClusterNodes instead).
func (s *Store) IsIgnoredInPDSeparate(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return true
	}
	return n.IsRetired() || n.Role == model.RoleFlex
}

// IsIgnoredInSingleNode reports whether id should be skipped by
// role-assignment logic running in single-node (non-PD-separated)
// deployments (retired nodes only — flex is irrelevant in this mode).
func (s *Store) IsIgnoredInSingleNode(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return true
	}
	return n.IsRetired()
}

// IsNodeLinkedByPeer reports whether peer currently lists id as one of its
// peers — used to validate a removal doesn't leave a dangling reference.
func (s *Store) IsNodeLinkedByPeer(peer, id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[peer]
	if !ok {
		return false
	}
	for _, p := range n.Peers {
		if p == id {
			return true
		}
	}
	return false
}

// UpdateRanktableChangeTime stamps the moment the cluster topology last
// changed; StatusUpdater and WorkerClient consult this to cut short a
// PostSingleRole retry loop against stale topology (spec.md §4.5/§4.6).
func (s *Store) UpdateRanktableChangeTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranktableAt = t
}

// RanktableChangeTime returns the last-recorded topology change time.
func (s *Store) RanktableChangeTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ranktableAt
}
