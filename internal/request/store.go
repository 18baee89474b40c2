package request

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lethe/internal/domain"
)

// Store is the system of record for erasure requests. Implementations are
// pure I/O; lifecycle rules (legal transitions, lease checks) are enforced
// with conditional writes, and the service layer owns everything else.
type Store interface {
	Create(ctx context.Context, req *domain.ErasureRequest) error
	Get(ctx context.Context, id uuid.UUID) (*domain.ErasureRequest, error)

	// Approve moves PENDING or FAILED to APPROVED, clearing the retry count
	// and last error for the re-approval path, and reports which of the two
	// the request was in. The prior status comes from the same conditional
	// write so a concurrent transition cannot make it stale. Returns
	// sentinel.ErrInvalidState for any other current status.
	Approve(ctx context.Context, id uuid.UUID, now time.Time) (domain.Status, error)

	// ClaimForProcessing records the lease holder and expiry alongside the
	// status in one conditional write, entering LOCATING. Returns
	// sentinel.ErrInvalidState unless the request is currently APPROVED or
	// non-terminal with an expired lease (takeover).
	ClaimForProcessing(ctx context.Context, id uuid.UUID, holder string, expiry, now time.Time) error

	// UpdateStatus advances a claimed request. The write is conditional on
	// holder still owning the lease row; sentinel.ErrLeaseLost otherwise.
	UpdateStatus(ctx context.Context, id uuid.UUID, holder string, update StatusUpdate) error

	// ListStale returns non-terminal requests whose lease expired before
	// cutoff, for the dispatcher's recovery sweep. APPROVED requests with no
	// holder are included: a lost notification must not strand a request.
	ListStale(ctx context.Context, cutoff time.Time) ([]*domain.ErasureRequest, error)
}

// StatusUpdate carries the fields a single transition may touch. Zero values
// leave the stored column unchanged except LastError, which is always
// written so a successful retry clears prior failures.
type StatusUpdate struct {
	Status               domain.Status
	LastError            string
	RetryDelta           int
	StepTimings          map[domain.Step]time.Duration
	PartitionsAffected   int
	WarehouseRowsDeleted int64
	SLABreached          bool
	CompletedAt          time.Time
	StartedAt            time.Time
	LeaseExpiry          time.Time
}
