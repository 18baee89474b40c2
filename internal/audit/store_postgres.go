package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"lethe/internal/domain"
)

// PostgresStore persists audit events. INSERT is the only write statement in
// this file; there is deliberately no update or delete path.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed audit store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema creates the audit_events table. seq is a serial tiebreaker so List
// is strictly ordered even when two events share a timestamp.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id           UUID PRIMARY KEY,
	seq          BIGSERIAL,
	request_id   UUID NOT NULL,
	prior_status TEXT NOT NULL DEFAULT '',
	new_status   TEXT NOT NULL,
	actor        TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	occurred_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_request ON audit_events (request_id, seq);
`

// EnsureSchema applies the table definition.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure audit_events schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, event domain.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, request_id, prior_status, new_status, actor, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.RequestID, event.PriorStatus, event.NewStatus,
		event.Actor, event.Detail, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, requestID uuid.UUID) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, prior_status, new_status, actor, detail, occurred_at
		FROM audit_events
		WHERE request_id = $1
		ORDER BY occurred_at, seq
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var event domain.AuditEvent
		if err := rows.Scan(
			&event.ID, &event.RequestID, &event.PriorStatus, &event.NewStatus,
			&event.Actor, &event.Detail, &event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}
