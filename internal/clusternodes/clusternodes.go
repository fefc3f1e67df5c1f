// Package clusternodes implements ClusterNodes (spec.md §4.8): the
// Coordinator's mirror of the fleet plus the flex-split virtualization
// that keeps the scheduler oblivious to FLEX workers. Grounded on the
// teacher's store package shape (one struct, one RWMutex, exported
// methods with no getter/setter indirection) — the same pattern
// internal/nodestore already follows on the Controller side.
package clusternodes

import (
	"sync"

	"github.com/inferfleet/clusterctl/internal/model"
	"github.com/inferfleet/clusterctl/internal/observability"
)

// ClusterNodes holds the Coordinator's view of every instance (real and
// flex-virtualized) plus the running task index used by scheduling.
type ClusterNodes struct {
	mu        sync.RWMutex
	instances map[uint64]*model.ClusterInstance
	tasks     map[uint64]int
}

func New() *ClusterNodes {
	return &ClusterNodes{
		instances: make(map[uint64]*model.ClusterInstance),
		tasks:     make(map[uint64]int),
	}
}

// Refresh replaces the instance set wholesale after expanding any FLEX
// entries via ProcessFlexInstance. The task index is preserved across a
// refresh — a topology change does not reset in-flight task counts.
func (c *ClusterNodes) Refresh(ids []uint64, instances []*model.ClusterInstance) error {
	_, expanded, err := ProcessFlexInstance(ids, instances)
	if err != nil {
		return err
	}

	next := make(map[uint64]*model.ClusterInstance, len(expanded))
	for _, inst := range expanded {
		next[inst.ID] = cloneInstance(inst)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = next

	byRole := map[string]int{}
	for _, inst := range next {
		byRole[inst.Role.String()]++
	}
	observability.ConnectedWorkers.Reset()
	for role, n := range byRole {
		observability.ConnectedWorkers.WithLabelValues(role).Set(float64(n))
	}
	return nil
}

// Get returns a deep copy of one instance.
func (c *ClusterNodes) Get(id uint64) (*model.ClusterInstance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[id]
	if !ok {
		return nil, false
	}
	return cloneInstance(inst), true
}

// All returns deep copies of every known instance.
func (c *ClusterNodes) All() []*model.ClusterInstance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.ClusterInstance, 0, len(c.instances))
	for _, inst := range c.instances {
		out = append(out, cloneInstance(inst))
	}
	return out
}

// SetClosed marks the listed instances closed or reopened (POST
// /v1/instances/offline and /v1/instances/online in spec.md §6). Unknown
// ids are ignored — they arrive this way whenever offline/online races a
// refresh that has already dropped the id.
func (c *ClusterNodes) SetClosed(ids []uint64, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if inst, ok := c.instances[id]; ok {
			inst.Closed = closed
		}
	}
}

// IncrTask adjusts the running-task count for an instance (positive on
// dispatch, negative on completion/failure). The target need not exist in
// instances yet — a count can be adjusted ahead of a refresh landing.
func (c *ClusterNodes) IncrTask(id uint64, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[id] += delta
}

// TaskCount returns the running-task count recorded under exactly the given
// id. It does not resolve a flex id to its masked D twin; DInstanceTaskCount
// does that.
func (c *ClusterNodes) TaskCount(id uint64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tasks[id]
}

// DInstanceTaskCount resolves a flex id's D twin before reading its task
// count — the wrapper ProcTaskQuaryDInstanceIdUnderFlexSituation exists
// for (spec.md §4.8).
func (c *ClusterNodes) DInstanceTaskCount(flexID uint64) int {
	return c.TaskCount(ProcTaskQuaryDInstanceIdUnderFlexSituation(flexID))
}
