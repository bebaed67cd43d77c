// Package share binds a policy id to the blob hash of the ciphertext
// it guards. The binding carries no key material; without the link
// fragment the ciphertext is opaque.
package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound      = errors.New("share not found")
	ErrAlreadyExists = errors.New("share already exists")
	ErrUnavailable   = errors.New("share store unavailable")
)

type Binding struct {
	PolicyID  string    `json:"policy_id"`
	BlobHash  string    `json:"blob_hash"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Bind(ctx context.Context, b Binding) error
	Lookup(ctx context.Context, policyID string) (Binding, error)
}

// MemoryStore is for tests and dev mode.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Binding
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]Binding{}}
}

func (m *MemoryStore) Bind(ctx context.Context, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[b.PolicyID]; ok {
		return ErrAlreadyExists
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.items[b.PolicyID] = b
	return nil
}

func (m *MemoryStore) Lookup(ctx context.Context, policyID string) (Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[policyID]
	if !ok {
		return Binding{}, ErrNotFound
	}
	return b, nil
}

const redisKeyPrefix = "shield:share:"

type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (r *RedisStore) Bind(ctx context.Context, b Binding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode share: %w", err)
	}
	ok, err := r.Client.SetNX(ctx, redisKeyPrefix+b.PolicyID, raw, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (r *RedisStore) Lookup(ctx context.Context, policyID string) (Binding, error) {
	raw, err := r.Client.Get(ctx, redisKeyPrefix+policyID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, fmt.Errorf("decode share: %w", err)
	}
	return b, nil
}

type shareDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	DB shareDB
}

func NewPostgresStore(db shareDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Bind(ctx context.Context, b Binding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO shares (policy_id, blob_hash, created_at)
		VALUES ($1,$2,$3)
	`, b.PolicyID, b.BlobHash, b.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: insert share: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Lookup(ctx context.Context, policyID string) (Binding, error) {
	var b Binding
	err := s.DB.QueryRow(ctx, `
		SELECT policy_id, blob_hash, created_at
		FROM shares WHERE policy_id=$1
	`, policyID).Scan(&b.PolicyID, &b.BlobHash, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, fmt.Errorf("%w: select share: %w", ErrUnavailable, err)
	}
	return b, nil
}
