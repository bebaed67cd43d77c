package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCachedStoreReadThrough(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryStore()
	cached := NewCachedStore(source, &RedisCache{client: newTestRedis(t)}, time.Minute)

	rec := testPolicy("0x0123456789abcdef0123456789abcdef")
	if err := cached.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := cached.Read(ctx, rec.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	second, err := cached.Read(ctx, rec.ID)
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if first.ID != second.ID || first.Version != second.Version {
		t.Fatalf("cache must round-trip the record: %+v vs %+v", first, second)
	}
}

func TestCachedStoreInvalidatesOnCAS(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryStore()
	cached := NewCachedStore(source, NewMemoryCache(), time.Minute)

	rec := testPolicy("0x0123456789abcdef0123456789abcdef")
	if err := cached.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	curr, _ := cached.Read(ctx, rec.ID)
	curr.Attempts = 1
	if err := cached.CASUpdate(ctx, rec.ID, curr.Version, curr); err != nil {
		t.Fatalf("cas: %v", err)
	}
	got, err := cached.Read(ctx, rec.ID)
	if err != nil {
		t.Fatalf("read after cas: %v", err)
	}
	if got.Attempts != 1 || got.Version != 2 {
		t.Fatalf("read must see post-cas state, got %+v", got)
	}
}

func TestCachedStoreVersionConflictDropsCache(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryStore()
	cache := NewMemoryCache()
	cached := NewCachedStore(source, cache, time.Minute)

	rec := testPolicy("0x0123456789abcdef0123456789abcdef")
	if err := cached.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	curr, _ := cached.Read(ctx, rec.ID)
	curr.Attempts = 1
	if err := cached.CASUpdate(ctx, rec.ID, curr.Version, curr); err != nil {
		t.Fatalf("cas: %v", err)
	}
	// A losing writer holding the stale version must get a conflict and
	// the next read must come from the source.
	err := cached.CASUpdate(ctx, rec.ID, curr.Version, curr)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	got, _ := cached.Read(ctx, rec.ID)
	if got.Version != 2 {
		t.Fatalf("expected fresh version 2, got %d", got.Version)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	cache := NewCache(context.Background(), nil)
	if _, ok := cache.(*MemoryCache); !ok {
		t.Fatalf("expected MemoryCache fallback, got %T", cache)
	}
}
