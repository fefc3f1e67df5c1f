package statusupdater

import "github.com/inferfleet/clusterctl/internal/model"

// IsReadyToUpdateNodeStaticInfo implements spec.md §4.5's commit rule: a
// PREFILL in state READY, or a DECODE with non-empty active peers, is
// considered stable enough to commit its reported slot/block counts as
// static capacity. StaticCommitted latches this to once per role term;
// UpdateRoleState resets it when a node re-enters SWITCHING.
func IsReadyToUpdateNodeStaticInfo(n *model.NodeInfo) bool {
	if n == nil || n.StaticCommitted {
		return false
	}
	if n.CurrentRole == model.RolePrefill && n.RoleState == model.RoleStateReady {
		return true
	}
	if n.CurrentRole == model.RoleDecode && len(n.ActivePeers) > 0 {
		return true
	}
	return false
}
