package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type eventDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Log is a queryable durable event log.
type Log interface {
	Sink
	ListByPolicy(ctx context.Context, policyID string, limit int) ([]Event, error)
}

// PGLog appends to the ledger_events table. The table is append-only;
// nothing in this package updates or deletes rows.
type PGLog struct {
	DB eventDB
}

func (l *PGLog) Append(ctx context.Context, evt Event) error {
	_, err := l.DB.Exec(ctx, `
		INSERT INTO ledger_events (event_type, policy_id, occurred_at, data)
		VALUES ($1,$2,$3,$4)
	`, evt.Type, evt.PolicyID, evt.At, evt.Data)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *PGLog) ListByPolicy(ctx context.Context, policyID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.DB.Query(ctx, `
		SELECT event_type, policy_id, occurred_at, data
		FROM ledger_events WHERE policy_id=$1
		ORDER BY occurred_at ASC, id ASC
		LIMIT $2
	`, policyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	items := make([]Event, 0, limit)
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.Type, &evt.PolicyID, &evt.At, &evt.Data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		items = append(items, evt)
	}
	return items, rows.Err()
}

// MemoryLog keeps events in order in memory, for tests and dev mode.
type MemoryLog struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, evt Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *MemoryLog) ListByPolicy(ctx context.Context, policyID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	items := make([]Event, 0)
	for _, evt := range l.events {
		if evt.PolicyID == policyID {
			items = append(items, evt)
			if len(items) == limit {
				break
			}
		}
	}
	return items, nil
}

// All returns a snapshot of every event appended so far.
func (l *MemoryLog) All() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
