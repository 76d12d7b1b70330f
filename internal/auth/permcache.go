package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedPermissions is a resolved permission set as held by a PermissionCache.
type CachedPermissions struct {
	All       bool      `json:"all,omitempty"`
	Codes     []string  `json:"codes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Set converts the cached entry back into a PermissionSet.
func (c CachedPermissions) Set() PermissionSet {
	if c.All {
		return AllPermissions()
	}
	return NewPermissionSet(c.Codes...)
}

// PermissionCache is a read-through cache of resolved permission sets keyed by
// (principal, scope), with a generation counter per principal.
//
// A reader calls Lookup, and on a miss resolves from the store and calls Store
// with the generation Lookup returned. Invalidate advances the generation, so
// a Store racing with an invalidation is discarded instead of installing a
// stale set.
type PermissionCache interface {
	Lookup(ctx context.Context, principalID, scope string) (entry CachedPermissions, gen uint64, ok bool, err error)
	Store(ctx context.Context, principalID, scope string, gen uint64, entry CachedPermissions) error
	Invalidate(ctx context.Context, principalID string) error
}

type cacheKey struct {
	principal string
	scope     string
	gen       uint64
}

// MemoryPermissionCache is an in-process PermissionCache backed by an
// expirable LRU.
//
// Generations come from one counter. A principal without a record is at
// floor; once the records reach maxGens they are dropped and floor moves past
// every generation handed out, so stores carrying an older one are still
// rejected.
type MemoryPermissionCache struct {
	mu      sync.Mutex
	seq     uint64
	floor   uint64
	gens    map[string]uint64
	maxGens int
	lru     *expirable.LRU[cacheKey, CachedPermissions]
	now     func() time.Time
}

// NewMemoryPermissionCache creates a cache holding at most size entries, none
// older than ttl.
func NewMemoryPermissionCache(size int, ttl time.Duration, now func() time.Time) *MemoryPermissionCache {
	if size <= 0 {
		size = 10000
	}
	if now == nil {
		now = utcNow
	}
	return &MemoryPermissionCache{
		gens:    make(map[string]uint64),
		maxGens: size,
		lru:     expirable.NewLRU[cacheKey, CachedPermissions](size, nil, ttl),
		now:     now,
	}
}

func (c *MemoryPermissionCache) genOf(principalID string) uint64 {
	if gen, ok := c.gens[principalID]; ok {
		return gen
	}
	return c.floor
}

func (c *MemoryPermissionCache) Lookup(_ context.Context, principalID, scope string) (CachedPermissions, uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.genOf(principalID)
	key := cacheKey{principal: principalID, scope: scope, gen: gen}
	entry, ok := c.lru.Get(key)
	if !ok {
		return CachedPermissions{}, gen, false, nil
	}
	if !c.now().Before(entry.ExpiresAt) {
		c.lru.Remove(key)
		return CachedPermissions{}, gen, false, nil
	}
	return entry, gen, true, nil
}

func (c *MemoryPermissionCache) Store(_ context.Context, principalID, scope string, gen uint64, entry CachedPermissions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genOf(principalID) != gen {
		return nil
	}
	if !c.now().Before(entry.ExpiresAt) {
		return nil
	}
	c.lru.Add(cacheKey{principal: principalID, scope: scope, gen: gen}, entry)
	return nil
}

func (c *MemoryPermissionCache) Invalidate(_ context.Context, principalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.gens[principalID]; !ok && len(c.gens) >= c.maxGens {
		c.seq++
		c.floor = c.seq
		clear(c.gens)
		c.lru.Purge()
	}
	c.seq++
	c.gens[principalID] = c.seq
	return nil
}

// Len returns the number of live entries, including unreachable ones from
// older generations that have not been evicted yet.
func (c *MemoryPermissionCache) Len() int {
	return c.lru.Len()
}

// Generations returns how many principals carry an invalidation record.
func (c *MemoryPermissionCache) Generations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gens)
}

// NopPermissionCache never caches.
type NopPermissionCache struct{}

func (NopPermissionCache) Lookup(context.Context, string, string) (CachedPermissions, uint64, bool, error) {
	return CachedPermissions{}, 0, false, nil
}

func (NopPermissionCache) Store(context.Context, string, string, uint64, CachedPermissions) error {
	return nil
}

func (NopPermissionCache) Invalidate(context.Context, string) error { return nil }
