package domain

import (
	"time"

	"github.com/google/uuid"
)

// Actor identifies which component recorded an audit event.
type Actor string

const (
	ActorIngestion    Actor = "ingestion"
	ActorDispatcher   Actor = "dispatcher"
	ActorOrchestrator Actor = "orchestrator"
)

// AuditEvent is one immutable entry in a request's compliance trail. Events
// are appended once per state transition and never updated or deleted; the
// ordered sequence for a request id is the authoritative record of what
// happened, independent of the request store's current-state view.
type AuditEvent struct {
	ID          uuid.UUID
	RequestID   uuid.UUID
	PriorStatus Status
	NewStatus   Status
	Actor       Actor
	// Detail carries free-form context: partitions rewritten, rows deleted,
	// error text, SLA breach notes.
	Detail    string
	Timestamp time.Time
}
