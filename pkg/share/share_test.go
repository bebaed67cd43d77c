package share

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testBinding() Binding {
	return Binding{
		PolicyID: "0x" + strings.Repeat("ab", 16),
		BlobHash: strings.Repeat("cd", 32),
	}
}

func TestMemoryStoreBindLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := testBinding()

	if err := s.Bind(ctx, b); err != nil {
		t.Fatalf("bind: %v", err)
	}
	got, err := s.Lookup(ctx, b.PolicyID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.BlobHash != b.BlobHash {
		t.Fatalf("blob hash %q", got.BlobHash)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("created_at not stamped")
	}
	if err := s.Bind(ctx, b); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("rebind err = %v", err)
	}
	if _, err := s.Lookup(ctx, "0x"+strings.Repeat("00", 16)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing lookup err = %v", err)
	}
}

func TestRedisStoreBindLookup(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)

	b := testBinding()
	b.CreatedAt = time.Now().UTC().Truncate(time.Second)
	if err := s.Bind(ctx, b); err != nil {
		t.Fatalf("bind: %v", err)
	}
	got, err := s.Lookup(ctx, b.PolicyID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.PolicyID != b.PolicyID || got.BlobHash != b.BlobHash {
		t.Fatalf("round trip: %+v", got)
	}
	if err := s.Bind(ctx, b); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("rebind err = %v", err)
	}
	if _, err := s.Lookup(ctx, "0x"+strings.Repeat("00", 16)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing lookup err = %v", err)
	}

	mr.Close()
	if _, err := s.Lookup(ctx, b.PolicyID); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("down redis err = %v", err)
	}
}
