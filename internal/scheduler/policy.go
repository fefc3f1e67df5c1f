package scheduler

import (
	"sync"

	"github.com/inferfleet/clusterctl/internal/model"
)

// minHealthScore is round-robin's health cutoff: below this a round-robin
// pass skips the slot rather than risk it. Load-balance and cache-affinity
// apply no health cutoff.
const minHealthScore = 0.4

func isUsable(inst *model.ClusterInstance, exclude map[uint64]bool) bool {
	if inst == nil || inst.Closed {
		return false
	}
	if exclude != nil && exclude[inst.ID] {
		return false
	}
	return true
}

// loadBalancePick returns the usable instance with the highest avail
// metric, breaking ties by lower RunningTasks then lower id — shared by the
// load-balance policy and cache-affinity's fallback.
func loadBalancePick(candidates []*model.ClusterInstance, exclude map[uint64]bool, avail func(*model.ClusterInstance) uint64) (*model.ClusterInstance, bool) {
	var best *model.ClusterInstance
	for _, inst := range candidates {
		if !isUsable(inst, exclude) {
			continue
		}
		if best == nil {
			best = inst
			continue
		}
		a, b := avail(inst), avail(best)
		switch {
		case a > b:
			best = inst
		case a == b && inst.RunningTasks < best.RunningTasks:
			best = inst
		case a == b && inst.RunningTasks == best.RunningTasks && inst.ID < best.ID:
			best = inst
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

func sameGroupBestDecode(decode []*model.ClusterInstance, groupID string, exclude map[uint64]bool) (*model.ClusterInstance, bool) {
	inGroup := make([]*model.ClusterInstance, 0, len(decode))
	for _, d := range decode {
		if d.GroupID == groupID {
			inGroup = append(inGroup, d)
		}
	}
	if best, ok := loadBalancePick(inGroup, exclude, func(i *model.ClusterInstance) uint64 { return i.AvailBlocks }); ok {
		return best, true
	}
	// No D shares the P's group — fall back to the best D overall rather
	// than stalling the request.
	return loadBalancePick(decode, exclude, func(i *model.ClusterInstance) uint64 { return i.AvailBlocks })
}

// LoadBalancePolicy implements spec.md §4.9's load-balance policy.
type LoadBalancePolicy struct{}

func (LoadBalancePolicy) Name() string { return "load-balance" }

func (LoadBalancePolicy) ChooseSingleNode(candidates []*model.ClusterInstance, exclude map[uint64]bool) (uint64, bool) {
	inst, ok := loadBalancePick(candidates, exclude, func(i *model.ClusterInstance) uint64 { return i.AvailSlots })
	if !ok {
		return 0, false
	}
	return inst.ID, true
}

func (LoadBalancePolicy) ChoosePDPair(prefill, decode []*model.ClusterInstance, exclude map[uint64]bool) (uint64, uint64, bool) {
	p, ok := loadBalancePick(prefill, exclude, func(i *model.ClusterInstance) uint64 { return i.AvailSlots })
	if !ok {
		return 0, 0, false
	}
	d, ok := sameGroupBestDecode(decode, p.GroupID, exclude)
	if !ok {
		return 0, 0, false
	}
	return p.ID, d.ID, true
}

// CacheAffinityPolicy implements spec.md §4.9's cache-affinity policy: pick
// the P whose advertised prefixHash covers the longest prefix of the
// request's hash sequence, falling back to load-balance when no P has any
// overlap.
type CacheAffinityPolicy struct {
	fallback LoadBalancePolicy
	// PrefixHash is set per-call by the Scheduler before invoking the
	// policy — see scheduler.go's applyPrefixHash.
	prefixHash []uint64
}

func NewCacheAffinityPolicy() *CacheAffinityPolicy {
	return &CacheAffinityPolicy{}
}

func (p *CacheAffinityPolicy) Name() string { return "cache-affinity" }

func (p *CacheAffinityPolicy) WithPrefixHash(hash []uint64) *CacheAffinityPolicy {
	return &CacheAffinityPolicy{prefixHash: hash}
}

func longestMatchedPrefix(a, b []uint64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	matched := 0
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			break
		}
		matched++
	}
	return matched
}

func bestPrefixMatch(candidates []*model.ClusterInstance, exclude map[uint64]bool, reqHash []uint64) (*model.ClusterInstance, int) {
	var best *model.ClusterInstance
	bestLen := 0
	for _, inst := range candidates {
		if !isUsable(inst, exclude) {
			continue
		}
		matched := longestMatchedPrefix(inst.PrefixHash, reqHash)
		if matched == 0 {
			continue
		}
		if best == nil || matched > bestLen || (matched == bestLen && inst.ID < best.ID) {
			best = inst
			bestLen = matched
		}
	}
	return best, bestLen
}

func (p *CacheAffinityPolicy) ChooseSingleNode(candidates []*model.ClusterInstance, exclude map[uint64]bool) (uint64, bool) {
	if best, matched := bestPrefixMatch(candidates, exclude, p.prefixHash); matched > 0 {
		return best.ID, true
	}
	return p.fallback.ChooseSingleNode(candidates, exclude)
}

func (p *CacheAffinityPolicy) ChoosePDPair(prefill, decode []*model.ClusterInstance, exclude map[uint64]bool) (uint64, uint64, bool) {
	best, matched := bestPrefixMatch(prefill, exclude, p.prefixHash)
	if matched == 0 {
		return p.fallback.ChoosePDPair(prefill, decode, exclude)
	}
	d, ok := sameGroupBestDecode(decode, best.GroupID, exclude)
	if !ok {
		return 0, 0, false
	}
	return best.ID, d.ID, true
}

// RoundRobinPolicy implements spec.md §4.9's round-robin policy: rotate
// per-role cursors, skipping unhealthy/closed slots.
type RoundRobinPolicy struct {
	mu      sync.Mutex
	cursors map[model.Role]int
}

func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{cursors: make(map[model.Role]int)}
}

func (p *RoundRobinPolicy) Name() string { return "round-robin" }

func (p *RoundRobinPolicy) next(role model.Role, candidates []*model.ClusterInstance, exclude map[uint64]bool) (*model.ClusterInstance, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	p.mu.Lock()
	start := p.cursors[role]
	p.mu.Unlock()

	for i := 0; i < len(candidates); i++ {
		idx := (start + i) % len(candidates)
		inst := candidates[idx]
		if isUsable(inst, exclude) && inst.HealthScore >= minHealthScore {
			p.mu.Lock()
			p.cursors[role] = idx + 1
			p.mu.Unlock()
			return inst, true
		}
	}
	return nil, false
}

func (p *RoundRobinPolicy) ChooseSingleNode(candidates []*model.ClusterInstance, exclude map[uint64]bool) (uint64, bool) {
	inst, ok := p.next(0, candidates, exclude)
	if !ok {
		return 0, false
	}
	return inst.ID, true
}

func (p *RoundRobinPolicy) ChoosePDPair(prefill, decode []*model.ClusterInstance, exclude map[uint64]bool) (uint64, uint64, bool) {
	pInst, ok := p.next(model.RolePrefill, prefill, exclude)
	if !ok {
		return 0, 0, false
	}
	dInst, ok := p.next(model.RoleDecode, decode, exclude)
	if !ok {
		return 0, 0, false
	}
	return pInst.ID, dInst.ID, true
}
