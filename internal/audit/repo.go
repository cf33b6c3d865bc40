package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// MemoryRepo is a simple in-memory append-only repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// PostgresRepo appends to the audit_events table from migrations/002_audit_events.sql.
// Every insert is bounded by queryTimeout so a slow database cannot hold up
// the request being audited.
type PostgresRepo struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func NewPostgresRepo(db *sql.DB, queryTimeout time.Duration) *PostgresRepo {
	if queryTimeout <= 0 {
		queryTimeout = 2 * time.Second
	}
	return &PostgresRepo{db: db, queryTimeout: queryTimeout}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor_id, actor_role, ip_address, call_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::jsonb, $9)
`
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type), e.ActorID, e.ActorRole, e.IPAddress, e.CallID, e.Message, e.Metadata, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
