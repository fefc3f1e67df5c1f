// Package leaderelect implements the LeaderAgent and DistributedLockPolicy
// components: a process promoted/demoted from FOLLOWER to LEADER based on a
// lease held in an external coordinator, with a durable, monotonically
// increasing fencing epoch surviving the lease store being flushed.
package leaderelect

import "context"

// DistributedLockPolicy abstracts the lease-based coordinator a LeaderAgent
// delegates to. One concrete implementation (RedisPolicy) uses a compare-
// and-set lease with a keep-alive renewal loop and a watch for lease loss.
type DistributedLockPolicy interface {
	// TryLock attempts to acquire the lock, succeeding only when the
	// underlying key does not currently exist.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases the lock if currently held by this policy instance.
	// Safe to call when not holding it.
	Unlock(ctx context.Context) error
	// RegisterCallBack registers fn to be invoked with locked=false when the
	// policy's background watch detects lease loss, or locked=true if a
	// renewal race re-acquires it. At most one callback is registered.
	RegisterCallBack(fn func(locked bool))
	// SafePut writes key=val only while this policy still holds the lock;
	// it fails if the lock has been lost underneath the caller.
	SafePut(ctx context.Context, key, val string) error
	// GetWithRevision reads key's current value and a monotonic revision
	// useful for optimistic concurrency by callers outside the lock itself.
	GetWithRevision(ctx context.Context, key string) (val string, revision int64, err error)
	// Start launches the keep-alive and watch loops. Call after a
	// successful initial TryLock.
	Start(ctx context.Context)
	// Stop releases the lock (if held) and stops background loops.
	Stop()
}
