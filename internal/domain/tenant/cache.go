package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache holds resolved businesses for a short time. It is an optimization
// only: a miss falls through to the repository and a stale hit can at worst
// serve a business for one TTL after it was suspended.
type Cache interface {
	Get(ctx context.Context, key string) (*Business, bool)
	Set(ctx context.Context, key string, b *Business)
	Delete(ctx context.Context, keys ...string)
}

func slugKey(slug string) string { return "slug:" + slug }
func hostKey(host string) string { return "host:" + host }

// cacheKeys lists every key under which b may be cached.
func cacheKeys(b *Business) []string {
	keys := []string{slugKey(b.Slug)}
	for _, d := range b.Domains {
		keys = append(keys, hostKey(d))
	}
	return keys
}

// ---------------------------------------------------------------------------
// Process-local cache
// ---------------------------------------------------------------------------

type localEntry struct {
	business  *Business
	expiresAt time.Time
}

// LocalCache is a process-local TTL cache.
type LocalCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]localEntry
}

func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{ttl: ttl, now: time.Now, entries: make(map[string]localEntry)}
}

func (c *LocalCache) Get(_ context.Context, key string) (*Business, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.business.clone(), true
}

func (c *LocalCache) Set(_ context.Context, key string, b *Business) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = localEntry{business: b.clone(), expiresAt: c.now().Add(c.ttl)}
}

func (c *LocalCache) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// ---------------------------------------------------------------------------
// Redis cache
// ---------------------------------------------------------------------------

const redisKeyPrefix = "telehealth:tenant:"

// RedisCache shares resolved businesses between instances so that an
// invalidation on one instance reaches the others' second-level lookups.
// Redis errors are logged and treated as misses.
type RedisCache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisCache(rdb redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger.With().Str("component", "tenant_cache").Logger()}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Business, bool) {
	raw, err := c.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		return nil, false
	}
	var b Business
	if err := json.Unmarshal(raw, &b); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return nil, false
	}
	return &b, true
}

func (c *RedisCache) Set(ctx context.Context, key string, b *Business) {
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = redisKeyPrefix + k
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("redis delete failed")
	}
}

// Ping reports whether Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ---------------------------------------------------------------------------
// Two-level cache
// ---------------------------------------------------------------------------

// TieredCache consults a local cache before a shared one and back-fills the
// local level on a shared hit.
type TieredCache struct {
	local  Cache
	shared Cache
}

func NewTieredCache(local, shared Cache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

func (c *TieredCache) Get(ctx context.Context, key string) (*Business, bool) {
	if b, ok := c.local.Get(ctx, key); ok {
		return b, true
	}
	b, ok := c.shared.Get(ctx, key)
	if ok {
		c.local.Set(ctx, key, b)
	}
	return b, ok
}

func (c *TieredCache) Set(ctx context.Context, key string, b *Business) {
	c.local.Set(ctx, key, b)
	c.shared.Set(ctx, key, b)
}

func (c *TieredCache) Delete(ctx context.Context, keys ...string) {
	c.local.Delete(ctx, keys...)
	c.shared.Delete(ctx, keys...)
}
