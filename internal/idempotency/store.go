// Package idempotency implements the request de-duplication backing
// errs.RetryDuplicateReqID: a reqId seen before within its TTL window
// short-circuits to the previously recorded outcome instead of scheduling
// the request a second time. Grounded on the teacher's idempotency store —
// a Redis-backed record with an in-memory fallback when no backend is
// configured.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Outcome is the terminal result recorded for a reqId once its request
// finishes, so a duplicate submission can be answered without re-scheduling.
type Outcome struct {
	State      string // mirrors model.RequestState.String()
	StatusCode int
	Message    string
}

// Backend is the subset of a Redis client the store needs. Satisfied by a
// thin wrapper over redis/go-redis/v9.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

type entry struct {
	Outcome   Outcome
	Timestamp time.Time
}

// Store de-duplicates reqIds. With a Backend it's durable across restarts;
// without one it falls back to an in-process map with a fixed TTL.
type Store struct {
	backend Backend
	cache   sync.Map
	ttl     time.Duration
}

// DefaultTTL matches spec.md's retry window — long enough to cover a
// client's own retry backoff, short enough not to leak memory on the
// in-process fallback.
const DefaultTTL = 1 * time.Hour

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, ttl: DefaultTTL}
}

// Seen reports whether reqID has a recorded outcome, and returns it if so.
func (s *Store) Seen(ctx context.Context, reqID string) (Outcome, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, reqID)
		if err != nil {
			log.Printf("idempotency: backend error getting %s: %v", reqID, err)
			return Outcome{}, false
		}
		if val == "" {
			return Outcome{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			log.Printf("idempotency: corrupt record for %s, treating as unseen: %v", reqID, err)
			return Outcome{}, false
		}
		return e.Outcome, true
	}

	val, ok := s.cache.Load(reqID)
	if !ok {
		return Outcome{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > s.ttl {
		s.cache.Delete(reqID)
		return Outcome{}, false
	}
	return e.Outcome, true
}

// Record stores the terminal outcome for reqID.
func (s *Store) Record(ctx context.Context, reqID string, outcome Outcome) {
	e := entry{Outcome: outcome, Timestamp: time.Now()}

	if s.backend != nil {
		bytes, err := json.Marshal(e)
		if err != nil {
			log.Printf("idempotency: failed to marshal outcome for %s: %v", reqID, err)
			return
		}
		if err := s.backend.Set(ctx, reqID, string(bytes), s.ttl); err != nil {
			log.Printf("idempotency: backend error setting %s: %v", reqID, err)
		}
		return
	}

	s.cache.Store(reqID, e)
}
