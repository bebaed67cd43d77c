//go:build integration

package store

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresStoreWithRealPostgres exercises the CAS path against a
// real database.
// Run with: go test -tags=integration -timeout 120s -run TestPostgresStoreWithRealPostgres ./pkg/store/...
func TestPostgresStoreWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `
		CREATE TABLE policies (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			expiry TIMESTAMPTZ NOT NULL,
			max_attempts INT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	s := NewPostgresStore(pool)
	rec := testPolicy("0x0123456789abcdef0123456789abcdef")
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, rec); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	curr, err := s.Read(ctx, rec.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	// Two writers racing on the same version: exactly one wins.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := curr
			next.Attempts = curr.Attempts + 1
			results <- s.CASUpdate(ctx, rec.ID, curr.Version, next)
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected cas error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected 1 win and 1 conflict, got %d/%d", wins, conflicts)
	}

	got, err := s.Read(ctx, rec.ID)
	if err != nil {
		t.Fatalf("read after race: %v", err)
	}
	if got.Attempts != 1 || got.Version != 2 {
		t.Fatalf("unexpected record after race: %+v", got)
	}
}
