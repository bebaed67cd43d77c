package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/babs0022/shield-privacy-guide/pkg/models"
)

type fakeRow struct {
	scan func(dest []any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest) }

type fakeDB struct {
	execTag  pgconn.CommandTag
	execErr  error
	lastSQL  string
	lastArgs []any
	row      pgx.Row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL = sql
	f.lastArgs = args
	return f.execTag, f.execErr
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func TestPostgresCreateMapsUniqueViolation(t *testing.T) {
	db := &fakeDB{execErr: &pgconn.PgError{Code: "23505"}}
	s := NewPostgresStore(db)
	err := s.Create(context.Background(), testPolicy("0x0123456789abcdef0123456789abcdef"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPostgresCreateMapsUnavailable(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	s := NewPostgresStore(db)
	err := s.Create(context.Background(), testPolicy("0x0123456789abcdef0123456789abcdef"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestPostgresCASUpdateConflict(t *testing.T) {
	db := &fakeDB{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		row: fakeRow{scan: func(dest []any) error {
			// Record exists, so zero rows means a version race.
			return scanPolicy(dest, testPolicy("0x0123456789abcdef0123456789abcdef"))
		}},
	}
	s := NewPostgresStore(db)
	err := s.CASUpdate(context.Background(), "0x0123456789abcdef0123456789abcdef", 1, models.AccessPolicy{})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestPostgresCASUpdateNotFound(t *testing.T) {
	db := &fakeDB{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		row:     fakeRow{scan: func(dest []any) error { return pgx.ErrNoRows }},
	}
	s := NewPostgresStore(db)
	err := s.CASUpdate(context.Background(), "0x0123456789abcdef0123456789abcdef", 1, models.AccessPolicy{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresReadNotFound(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(dest []any) error { return pgx.ErrNoRows }}}
	s := NewPostgresStore(db)
	if _, err := s.Read(context.Background(), "0x0123456789abcdef0123456789abcdef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func scanPolicy(dest []any, rec models.AccessPolicy) error {
	*(dest[0].(*string)) = rec.ID
	*(dest[1].(*string)) = rec.Sender
	*(dest[2].(*string)) = rec.Recipient
	*(dest[3].(*time.Time)) = rec.Expiry
	*(dest[4].(*int)) = rec.MaxAttempts
	*(dest[5].(*int)) = rec.Attempts
	*(dest[6].(*bool)) = rec.Revoked
	*(dest[7].(*int64)) = rec.Version
	*(dest[8].(*time.Time)) = rec.CreatedAt
	*(dest[9].(*time.Time)) = rec.UpdatedAt
	return nil
}
