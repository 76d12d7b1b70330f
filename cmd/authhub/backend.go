package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"authhub.org/internal/auth"
	"authhub.org/internal/config"
	"authhub.org/internal/ratelimit"
	"authhub.org/internal/rediscache"
	"authhub.org/internal/store/memory"
	"authhub.org/internal/store/pg"
)

// backend bundles the store with the optional shared Redis used for the
// permission cache and rate limits.
type backend struct {
	store auth.Store
	db    *sql.DB
	redis *redis.Client

	closers []func() error
}

func openBackend(c config.Config) (*backend, error) {
	b := &backend{}
	switch c.StoreBackend {
	case "postgres":
		s, err := pg.Open(c.PGDSN, pg.WithTimeout(c.StoreTimeout))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.store, b.db = s, s.DB()
		b.closers = append(b.closers, s.Close)
	default:
		b.store = memory.New()
	}
	if c.RedisAddr != "" {
		b.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		b.closers = append(b.closers, b.redis.Close)
	}
	return b, nil
}

// permissionCache is shared through Redis when configured so invalidations
// reach every replica.
func (b *backend) permissionCache(c config.Config, logger *zap.Logger) auth.PermissionCache {
	if b.redis != nil {
		return rediscache.New(b.redis, rediscache.WithTTL(c.PermCacheTTL), rediscache.WithLogger(logger))
	}
	return auth.NewMemoryPermissionCache(c.PermCacheSize, c.PermCacheTTL, nil)
}

// limiter returns a fixed window limiter named by scope. Non-positive limits
// disable it.
func (b *backend) limiter(scope string, limit int, period time.Duration) auth.Limiter {
	if limit <= 0 {
		return nil
	}
	if b.redis != nil {
		return ratelimit.NewRedis(b.redis, "authhub:rate:"+scope, limit, period)
	}
	m := ratelimit.NewMemory(limit, period)
	b.closers = append(b.closers, func() error { m.Stop(); return nil })
	return m
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}
