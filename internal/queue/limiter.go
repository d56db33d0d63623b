package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter caps how many jobs are started per window.
type Limiter interface {
	Wait(ctx context.Context) error
}

const limiterWindow = time.Second

var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter is a fixed-window counter shared by every worker process.
type RedisLimiter struct {
	client *redis.Client
	key    string
	limit  int
}

func NewRedisLimiter(client *redis.Client, key string, perSecond int) *RedisLimiter {
	return &RedisLimiter{client: client, key: key, limit: perSecond}
}

func (r *RedisLimiter) Wait(ctx context.Context) error {
	if r.limit <= 0 {
		return nil
	}
	for {
		result, err := redisAllowScript.Run(ctx, r.client, []string{r.key}, limiterWindow.Milliseconds()).Result()
		if err != nil {
			return err
		}
		values, ok := result.([]any)
		if !ok || len(values) < 2 {
			return errors.New("unexpected redis rate limit response")
		}
		current, ok := values[0].(int64)
		if !ok {
			return errors.New("invalid redis counter response")
		}
		if current <= int64(r.limit) {
			return nil
		}
		ttlMillis, _ := values[1].(int64)
		if ttlMillis <= 0 {
			ttlMillis = 10
		}
		if err := sleep(ctx, time.Duration(ttlMillis)*time.Millisecond); err != nil {
			return err
		}
	}
}

// MemoryLimiter is the single-process equivalent of RedisLimiter.
type MemoryLimiter struct {
	mu        sync.Mutex
	now       func() time.Time
	limit     int
	count     int
	windowEnd time.Time
}

func NewMemoryLimiter(perSecond int) *MemoryLimiter {
	return &MemoryLimiter{now: time.Now, limit: perSecond}
}

func (m *MemoryLimiter) Wait(ctx context.Context) error {
	if m.limit <= 0 {
		return nil
	}
	for {
		m.mu.Lock()
		now := m.now()
		if now.After(m.windowEnd) {
			m.count = 0
			m.windowEnd = now.Add(limiterWindow)
		}
		if m.count < m.limit {
			m.count++
			m.mu.Unlock()
			return nil
		}
		wait := m.windowEnd.Sub(now)
		m.mu.Unlock()

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
