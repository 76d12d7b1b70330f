// Package ratelimit provides keyed limiters for login attempts, API keys and
// client IPs. Memory keeps token buckets in process; Redis shares a fixed
// window counter across instances.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

const idleTTL = 5 * time.Minute

type bucket struct {
	lim *rate.Limiter
	ts  time.Time
}

// Memory is a token bucket per key.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemory allows burst requests at once per key, refilled at limit per
// period. Idle buckets are dropped by a janitor until Stop is called.
func NewMemory(limit int, period time.Duration) *Memory {
	if limit <= 0 {
		limit = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	m := &Memory{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(limit) / period.Seconds()),
		burst:   limit,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.ts = now
	m.mu.Unlock()
	return b.lim.AllowN(now, 1), nil
}

// Stop ends the janitor.
func (m *Memory) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, b := range m.buckets {
		if now.Sub(b.ts) > idleTTL {
			delete(m.buckets, k)
		}
	}
}

// Redis counts requests per key in fixed windows of period.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int64
	period time.Duration
}

// NewRedis allows limit requests per key per period.
func NewRedis(client *redis.Client, prefix string, limit int, period time.Duration) *Redis {
	if prefix == "" {
		prefix = "authhub:rate"
	}
	return &Redis{client: client, prefix: prefix, limit: int64(limit), period: period}
}

// windowScript starts the window expiry on the first hit only.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", r.prefix, key)
	n, err := windowScript.Run(ctx, r.client, []string{redisKey}, r.period.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return n <= r.limit, nil
}
