// Package audit is the append-only compliance trail. Events are written once
// per state transition and never touched again; the ordered sequence per
// request id is the sole source of truth for what happened, independent of
// the request store's current-state view.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lethe/internal/domain"
)

// Store is the append-only sink. Implementations must never update or delete.
type Store interface {
	Append(ctx context.Context, event domain.AuditEvent) error
	List(ctx context.Context, requestID uuid.UUID) ([]domain.AuditEvent, error)
}

// Publisher records transition events with fail-closed semantics: if the
// event cannot be persisted, the caller must not proceed with the transition.
// An erasure that happened but was never recorded is a compliance defect.
type Publisher struct {
	store Store
	now   func() time.Time
}

// NewPublisher wires the publisher over a store.
func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store, now: time.Now}
}

// SetClock overrides the time source for tests.
func (p *Publisher) SetClock(now func() time.Time) { p.now = now }

// Emit appends one event, defaulting ID and timestamp.
func (p *Publisher) Emit(ctx context.Context, event domain.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	return p.store.Append(ctx, event)
}

// List returns the ordered trail for a request.
func (p *Publisher) List(ctx context.Context, requestID uuid.UUID) ([]domain.AuditEvent, error) {
	return p.store.List(ctx, requestID)
}
