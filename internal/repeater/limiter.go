package repeater

import (
	"sync"

	"golang.org/x/time/rate"
)

// nodeLimiter keeps one token bucket per node id for retries — adapted from
// the teacher's TokenBucketLimiter (control_plane/scheduler/limiter.go). It
// is advisory: handleRetryable checks it against a node the failed attempt
// used, logs a denied check, and resubmits the retry either way.
type nodeLimiter struct {
	mu       sync.Mutex
	limiters map[uint64]*rate.Limiter
	r        rate.Limit
	b        int
}

func newNodeLimiter(perSecond float64, burst int) *nodeLimiter {
	return &nodeLimiter{
		limiters: make(map[uint64]*rate.Limiter),
		r:        rate.Limit(perSecond),
		b:        burst,
	}
}

// allowRetry reports whether a retry dispatch to id may proceed now.
func (l *nodeLimiter) allowRetry(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[id] = lim
	}
	return lim.Allow()
}
