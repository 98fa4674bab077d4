package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reserver claims an idempotency key for the dedup window. A reservation is
// claimed exactly once; the second claimant observes the collision and treats
// the action as already done. Release undoes a claim whose effect did not
// happen, so a retry of the same task can claim it again.
type Reserver interface {
	Reserve(ctx context.Context, key string, window time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// reserveScript claims the key atomically and refreshes a missing TTL, so a
// crashed process cannot leak a reservation forever.
var reserveScript = redis.NewScript(`
-- KEYS[1] = idempotency key
-- ARGV[1] = window_ms (int)
--
-- Returns 1 if this caller claimed the key, 0 if it was already claimed.
local created = redis.call('SETNX', KEYS[1], '1')
if created == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  return 1
end
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 0
`)

// RedisReserver reserves keys in Redis, so the dedup window holds across
// processes and restarts.
type RedisReserver struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisReserver(rdb *redis.Client) *RedisReserver {
	return &RedisReserver{rdb: rdb, prefix: "dispatch:idem:"}
}

func (r *RedisReserver) Reserve(ctx context.Context, key string, window time.Duration) (bool, error) {
	res, err := reserveScript.Run(ctx, r.rdb, []string{r.prefix + key}, window.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisReserver) Release(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}

// MemoryReserver is the in-process Reserver for tests and setups without
// Redis.
type MemoryReserver struct {
	mu       sync.Mutex
	reserved map[string]time.Time
	clock    func() time.Time
}

func NewMemoryReserver() *MemoryReserver {
	return &MemoryReserver{reserved: map[string]time.Time{}, clock: time.Now}
}

func (r *MemoryReserver) Reserve(ctx context.Context, key string, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	if until, ok := r.reserved[key]; ok && until.After(now) {
		return false, nil
	}
	r.reserved[key] = now.Add(window)
	return true, nil
}

func (r *MemoryReserver) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, key)
	return nil
}
