// Package blob is the content-addressed store for encrypted payloads.
// Keys are SHA-256 hashes of the stored bytes; the store only ever
// sees ciphertext.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrUnavailable = errors.New("blob store unavailable")
	ErrBadHash     = errors.New("invalid content hash")
	ErrEmptyBlob   = errors.New("blob must not be empty")
)

const hashHexLen = sha256.Size * 2

// Store is the content-addressed-storage contract.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Hash returns the lower-case hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validHash(hash string) bool {
	if len(hash) != hashHexLen {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// MemoryStore for tests and dev mode.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyBlob
	}
	hash := Hash(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

func (m *MemoryStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, ErrBadHash
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// RedisStore keeps blobs in redis under a hash-derived key. Content
// addressing makes writes idempotent, so SET without NX is fine.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Prefix: "shield:blob:"}
}

func (r *RedisStore) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyBlob
	}
	hash := Hash(data)
	if err := r.Client.Set(ctx, r.Prefix+hash, data, 0).Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return hash, nil
}

func (r *RedisStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, ErrBadHash
	}
	data, err := r.Client.Get(ctx, r.Prefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	// Verify the address still matches the content.
	if Hash(data) != hash {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrNotFound)
	}
	return data, nil
}
