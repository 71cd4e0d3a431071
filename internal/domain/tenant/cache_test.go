package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testBusiness(slug string, status Status, domains ...string) *Business {
	return &Business{ID: uuid.New(), Slug: slug, Name: slug, Status: status, Domains: domains}
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisCache(rdb, time.Minute, zerolog.Nop()), mr
}

func TestLocalCache_SetGetExpire(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	b := testBusiness("acme", StatusActive)
	c.Set(ctx, "slug:acme", b)

	got, ok := c.Get(ctx, "slug:acme")
	if !ok || got.ID != b.ID {
		t.Fatalf("expected hit for %s, got %v %v", b.ID, got, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "slug:acme"); ok {
		t.Error("expected entry to expire")
	}
}

func TestLocalCache_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(time.Minute)
	c.Set(ctx, "k", testBusiness("acme", StatusActive))

	got, _ := c.Get(ctx, "k")
	got.Status = StatusSuspended

	again, _ := c.Get(ctx, "k")
	if again.Status != StatusActive {
		t.Error("mutating a cached value leaked into the cache")
	}
}

func TestLocalCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(time.Minute)
	c.Set(ctx, "a", testBusiness("a", StatusActive))
	c.Set(ctx, "b", testBusiness("b", StatusActive))
	c.Delete(ctx, "a", "b")
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("a should be deleted")
	}
	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("b should be deleted")
	}
}

func TestRedisCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t)

	b := testBusiness("acme", StatusActive, "acme.test")
	c.Set(ctx, "slug:acme", b)

	if !mr.Exists(redisKeyPrefix + "slug:acme") {
		t.Fatal("expected key under the tenant prefix")
	}
	if ttl := mr.TTL(redisKeyPrefix + "slug:acme"); ttl != time.Minute {
		t.Errorf("expected 1m ttl, got %v", ttl)
	}

	got, ok := c.Get(ctx, "slug:acme")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.ID != b.ID || got.Slug != "acme" || len(got.Domains) != 1 {
		t.Errorf("unexpected business: %+v", got)
	}

	c.Delete(ctx, "slug:acme")
	if _, ok := c.Get(ctx, "slug:acme"); ok {
		t.Error("expected miss after delete")
	}
}

func TestRedisCache_ErrorsAreMisses(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t)

	mr.Set(redisKeyPrefix+"slug:bad", "{not json")
	if _, ok := c.Get(ctx, "slug:bad"); ok {
		t.Error("undecodable entry should be a miss")
	}

	mr.SetError("ERR injected failure")
	if _, ok := c.Get(ctx, "slug:acme"); ok {
		t.Error("redis errors should be misses")
	}
	c.Set(ctx, "slug:acme", testBusiness("acme", StatusActive))
	if err := c.Ping(ctx); err == nil {
		t.Error("expected ping to fail")
	}
}

func TestTieredCache_BackfillsLocal(t *testing.T) {
	ctx := context.Background()
	local := NewLocalCache(time.Minute)
	shared, _ := newRedisCache(t)
	c := NewTieredCache(local, shared)

	b := testBusiness("acme", StatusActive)
	shared.Set(ctx, "slug:acme", b)

	if _, ok := local.Get(ctx, "slug:acme"); ok {
		t.Fatal("local should start empty")
	}
	if _, ok := c.Get(ctx, "slug:acme"); !ok {
		t.Fatal("expected shared hit")
	}
	if _, ok := local.Get(ctx, "slug:acme"); !ok {
		t.Error("expected local back-fill")
	}

	c.Delete(ctx, "slug:acme")
	if _, ok := local.Get(ctx, "slug:acme"); ok {
		t.Error("local should be cleared")
	}
	if _, ok := shared.Get(ctx, "slug:acme"); ok {
		t.Error("shared should be cleared")
	}
}

func TestCacheKeys(t *testing.T) {
	keys := cacheKeys(testBusiness("acme", StatusActive, "acme.test", "www.acme.test"))
	want := []string{"slug:acme", "host:acme.test", "host:www.acme.test"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d: expected %q, got %q", i, want[i], keys[i])
		}
	}
}
