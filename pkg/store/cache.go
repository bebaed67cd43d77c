package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/babs0022/shield-privacy-guide/pkg/models"
)

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache wraps go-redis.
type RedisCache struct{ client *redis.Client }

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryCache is a simple in-memory TTL cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", redis.Nil
	}
	return item.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[key] = memItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) cleanupLocked() {
	now := time.Now()
	for k, v := range m.items {
		if now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewCache tries redis, falls back to memory.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisCache{client: client}
		}
	}
	return NewMemoryCache()
}

const cacheKeyPrefix = "shield:policy:"

// CachedStore layers a read-through cache over a PolicyStore. The
// cache is strictly advisory: CASUpdate always hits the source of
// truth, and every write path drops the cached copy so a stale read
// can only short-circuit Read, never the CAS cycle.
type CachedStore struct {
	Source PolicyStore
	Cache  Cache
	TTL    time.Duration
}

func NewCachedStore(source PolicyStore, cache Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{Source: source, Cache: cache, TTL: ttl}
}

func (c *CachedStore) Create(ctx context.Context, rec models.AccessPolicy) error {
	if err := c.Source.Create(ctx, rec); err != nil {
		return err
	}
	_ = c.Cache.Del(ctx, cacheKeyPrefix+rec.ID)
	return nil
}

func (c *CachedStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, rec models.AccessPolicy) error {
	err := c.Source.CASUpdate(ctx, id, expectedVersion, rec)
	if err == nil || errors.Is(err, ErrVersionConflict) {
		_ = c.Cache.Del(ctx, cacheKeyPrefix+id)
	}
	return err
}

func (c *CachedStore) Read(ctx context.Context, id string) (models.AccessPolicy, error) {
	key := cacheKeyPrefix + id
	if raw, err := c.Cache.Get(ctx, key); err == nil {
		var rec models.AccessPolicy
		if json.Unmarshal([]byte(raw), &rec) == nil {
			return rec, nil
		}
		_ = c.Cache.Del(ctx, key)
	}
	rec, err := c.Source.Read(ctx, id)
	if err != nil {
		return models.AccessPolicy{}, err
	}
	if raw, err := json.Marshal(rec); err == nil {
		_ = c.Cache.Set(ctx, key, string(raw), c.TTL)
	}
	return rec, nil
}
