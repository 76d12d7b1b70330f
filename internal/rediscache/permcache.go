// Package rediscache shares resolved permission sets between instances
// through Redis.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"authhub.org/internal/auth"
)

// storeScript writes the entry only while the principal's generation still
// equals the one the reader observed.
var storeScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[1])
if gen == false then gen = '0' end
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// PermissionCache implements auth.PermissionCache. Each principal has a
// generation key; entries are keyed by generation, so bumping it on
// Invalidate orphans every older entry until its TTL runs out.
type PermissionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Option configures PermissionCache.
type Option func(*PermissionCache)

// WithPrefix sets the key prefix. Defaults to "authhub".
func WithPrefix(p string) Option {
	return func(c *PermissionCache) {
		if p != "" {
			c.prefix = p
		}
	}
}

// WithTTL caps entry lifetime regardless of ExpiresAt.
func WithTTL(d time.Duration) Option {
	return func(c *PermissionCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *PermissionCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *PermissionCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New wraps client.
func New(client *redis.Client, opts ...Option) *PermissionCache {
	c := &PermissionCache{
		client: client,
		prefix: "authhub",
		ttl:    5 * time.Minute,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ auth.PermissionCache = (*PermissionCache)(nil)

func (c *PermissionCache) genKey(principalID string) string {
	return fmt.Sprintf("%s:perm:gen:%s", c.prefix, principalID)
}

func (c *PermissionCache) entryKey(principalID, scope string, gen uint64) string {
	return fmt.Sprintf("%s:perm:%s:%d:%s", c.prefix, principalID, gen, scope)
}

func (c *PermissionCache) generation(ctx context.Context, principalID string) (uint64, error) {
	v, err := c.client.Get(ctx, c.genKey(principalID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	return v, nil
}

func (c *PermissionCache) Lookup(ctx context.Context, principalID, scope string) (auth.CachedPermissions, uint64, bool, error) {
	gen, err := c.generation(ctx, principalID)
	if err != nil {
		return auth.CachedPermissions{}, 0, false, err
	}
	raw, err := c.client.Get(ctx, c.entryKey(principalID, scope, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return auth.CachedPermissions{}, gen, false, nil
	}
	if err != nil {
		return auth.CachedPermissions{}, gen, false, fmt.Errorf("read permissions: %w", err)
	}
	var entry auth.CachedPermissions
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("dropping undecodable permission entry", zap.String("principal_id", principalID), zap.Error(err))
		return auth.CachedPermissions{}, gen, false, nil
	}
	if !c.now().Before(entry.ExpiresAt) {
		return auth.CachedPermissions{}, gen, false, nil
	}
	return entry, gen, true, nil
}

func (c *PermissionCache) Store(ctx context.Context, principalID, scope string, gen uint64, entry auth.CachedPermissions) error {
	ttl := entry.ExpiresAt.Sub(c.now())
	if ttl > c.ttl {
		ttl = c.ttl
	}
	if ttl < time.Millisecond {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	keys := []string{c.genKey(principalID), c.entryKey(principalID, scope, gen)}
	stored, err := storeScript.Run(ctx, c.client, keys, strconv.FormatUint(gen, 10), data, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("store permissions: %w", err)
	}
	if stored == 0 {
		c.logger.Debug("discarded permission entry from an older generation", zap.String("principal_id", principalID))
	}
	return nil
}

// Invalidate bumps the principal's generation. The generation key itself
// never expires, so a bump cannot be lost to eviction of a TTL.
func (c *PermissionCache) Invalidate(ctx context.Context, principalID string) error {
	if err := c.client.Incr(ctx, c.genKey(principalID)).Err(); err != nil {
		return fmt.Errorf("bump generation: %w", err)
	}
	return nil
}
