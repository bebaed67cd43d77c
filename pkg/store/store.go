// Package store provides the policy store: a transactional mapping
// from policy id to AccessPolicy with per-id optimistic concurrency.
// The real implementation backs onto Postgres; the in-memory variant
// serves tests and single-node development.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/babs0022/shield-privacy-guide/pkg/models"
)

var (
	ErrNotFound        = errors.New("policy not found")
	ErrAlreadyExists   = errors.New("policy id already exists")
	ErrVersionConflict = errors.New("policy version conflict")
	ErrUnavailable     = errors.New("policy store unavailable")
)

// PolicyStore is the ledger adapter contract. CASUpdate must apply the
// new record only when the stored version still equals expectedVersion;
// a losing writer gets ErrVersionConflict and retries its whole
// read-evaluate-write cycle.
type PolicyStore interface {
	Create(ctx context.Context, rec models.AccessPolicy) error
	CASUpdate(ctx context.Context, id string, expectedVersion int64, rec models.AccessPolicy) error
	Read(ctx context.Context, id string) (models.AccessPolicy, error)
}

// MemoryStore keeps policies in a map guarded by a mutex. Versions
// advance by one on every successful CAS, mirroring the Postgres
// implementation.
type MemoryStore struct {
	mu       sync.Mutex
	policies map[string]models.AccessPolicy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: map[string]models.AccessPolicy{}}
}

func (m *MemoryStore) Create(ctx context.Context, rec models.AccessPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[rec.ID]; ok {
		return ErrAlreadyExists
	}
	rec.Version = 1
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	m.policies[rec.ID] = rec
	return nil
}

func (m *MemoryStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, rec models.AccessPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	curr, ok := m.policies[id]
	if !ok {
		return ErrNotFound
	}
	if curr.Version != expectedVersion {
		return ErrVersionConflict
	}
	// Identity fields never change after creation, whatever the caller
	// passed in.
	rec.ID = curr.ID
	rec.Sender = curr.Sender
	rec.Recipient = curr.Recipient
	rec.Expiry = curr.Expiry
	rec.MaxAttempts = curr.MaxAttempts
	rec.CreatedAt = curr.CreatedAt
	rec.Version = curr.Version + 1
	rec.UpdatedAt = time.Now().UTC()
	m.policies[id] = rec
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, id string) (models.AccessPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.policies[id]
	if !ok {
		return models.AccessPolicy{}, ErrNotFound
	}
	return rec, nil
}
