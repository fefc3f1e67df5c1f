package leaderelect

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MaxRetry is the number of consecutive keep-alive failures tolerated
// before a RedisPolicy releases its lease and reports loss, per spec.md
// §4.3.
const MaxRetry = 3

// WatchMaxRetry is the number of consecutive watch-poll failures tolerated
// before the same loss is reported, with a 1-second backoff between
// attempts.
const WatchMaxRetry = 5

const watchBackoff = 1 * time.Second

// RedisPolicy is the lease-based DistributedLockPolicy concrete
// implementation: SET NX for acquisition, a Lua CAS for renewal tied to a
// per-instance owner token, and a polling "watch" for externally-observed
// loss (another process taking the key after this one failed to renew in
// time). Grounded on the teacher's coordination/leader.go acquire/renew/
// release trio and store/redis.go's AcquireLock/RenewLock/ReleaseLock Lua
// scripts.
type RedisPolicy struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	owner  string // unique per RedisPolicy instance, survives process restarts distinctly

	mu     sync.Mutex
	held   bool
	cb     func(locked bool)
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisPolicy(client *redis.Client, lockKey string, ttl time.Duration) *RedisPolicy {
	return &RedisPolicy{
		client: client,
		key:    lockKey,
		ttl:    ttl,
		owner:  uuid.NewString(),
	}
}

func (p *RedisPolicy) TryLock(ctx context.Context) (bool, error) {
	ok, err := p.client.SetNX(ctx, p.key, p.owner, p.ttl).Result()
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	p.held = ok
	p.mu.Unlock()
	return ok, nil
}

const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

func (p *RedisPolicy) renew(ctx context.Context) (bool, error) {
	res, err := p.client.Eval(ctx, renewScript, []string{p.key}, p.owner, int64(p.ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	code, ok := res.(int64)
	if !ok {
		return false, errors.New("leaderelect: unexpected renew script result type")
	}
	return code == 1, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (p *RedisPolicy) Unlock(ctx context.Context) error {
	p.mu.Lock()
	wasHeld := p.held
	p.held = false
	p.mu.Unlock()
	if !wasHeld {
		return nil
	}
	_, err := p.client.Eval(ctx, releaseScript, []string{p.key}, p.owner).Result()
	return err
}

func (p *RedisPolicy) RegisterCallBack(fn func(locked bool)) {
	p.mu.Lock()
	p.cb = fn
	p.mu.Unlock()
}

func (p *RedisPolicy) SafePut(ctx context.Context, key, val string) error {
	p.mu.Lock()
	held := p.held
	p.mu.Unlock()
	if !held {
		return errors.New("leaderelect: SafePut refused, lock not held")
	}
	return p.client.Set(ctx, key, val, 0).Err()
}

func (p *RedisPolicy) GetWithRevision(ctx context.Context, key string) (string, int64, error) {
	pipe := p.client.TxPipeline()
	getCmd := pipe.Get(ctx, key)
	bumpKey := key + ":__rev"
	revCmd := pipe.Incr(ctx, bumpKey)
	pipe.Decr(ctx, bumpKey) // INCR/DECR round trip reads the counter without permanently bumping it
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, err
	}
	val, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		val = ""
	} else if err != nil {
		return "", 0, err
	}
	rev, err := revCmd.Result()
	if err != nil {
		return "", 0, err
	}
	return val, rev, nil
}

// Start launches the keep-alive renewal loop and the watch-for-loss poll.
// Call once, after a successful initial TryLock.
func (p *RedisPolicy) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	p.wg.Add(2)
	go p.keepAliveLoop(ctx)
	go p.watchLoop(ctx)
}

func (p *RedisPolicy) keepAliveLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.ttl / 2 // halve TTL for the refresh cadence, per spec.md §4.3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := p.renew(ctx)
			if err != nil {
				failures++
				log.Printf("leaderelect: renew failed (%d/%d): %v", failures, MaxRetry, err)
			} else if !renewed {
				failures++
				log.Printf("leaderelect: renew lost ownership (%d/%d)", failures, MaxRetry)
			} else {
				failures = 0
			}
			if failures >= MaxRetry {
				log.Printf("leaderelect: %d consecutive renew failures, releasing lease", failures)
				p.reportLoss(ctx)
				failures = 0
			}
		}
	}
}

func (p *RedisPolicy) watchLoop(ctx context.Context) {
	defer p.wg.Done()
	failures := 0
	ticker := time.NewTicker(watchBackoff)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			val, err := p.client.Get(ctx, p.key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				failures++
				log.Printf("leaderelect: watch poll failed (%d/%d): %v", failures, WatchMaxRetry, err)
				if failures >= WatchMaxRetry {
					log.Printf("leaderelect: watch exhausted retries, treating as lease loss")
					p.reportLoss(ctx)
					failures = 0
				}
				continue
			}
			failures = 0
			p.mu.Lock()
			held := p.held
			p.mu.Unlock()
			if held && val != p.owner {
				log.Printf("leaderelect: watch observed a different owner, lease lost")
				p.reportLoss(ctx)
			}
		}
	}
}

func (p *RedisPolicy) reportLoss(ctx context.Context) {
	p.mu.Lock()
	if !p.held {
		p.mu.Unlock()
		return
	}
	p.held = false
	cb := p.cb
	p.mu.Unlock()

	relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.client.Eval(relCtx, releaseScript, []string{p.key}, p.owner).Result(); err != nil {
		log.Printf("leaderelect: best-effort unlock after loss failed: %v", err)
	}
	if cb != nil {
		cb(false)
	}
	_ = ctx
}

// Stop releases the lock if held and stops the background loops.
func (p *RedisPolicy) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := p.Unlock(ctx); err != nil {
		log.Printf("leaderelect: stop unlock failed: %v", err)
	}
}
