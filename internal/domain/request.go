package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Status is the closed set of erasure request states. Transitions go through
// CanTransition so every state change is checked against the same table.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusApproved    Status = "APPROVED"
	StatusLocating    Status = "LOCATING"
	StatusRewriting   Status = "REWRITING"
	StatusPurging     Status = "PURGING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// validTransitions is the single source of truth for the request lifecycle.
// FAILED is reachable from any non-terminal state; re-approval of a FAILED
// request re-enters at APPROVED.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusApproved},
	StatusApproved:  {StatusLocating, StatusFailed},
	StatusLocating:  {StatusRewriting, StatusPurging, StatusFailed},
	StatusRewriting: {StatusPurging, StatusFailed},
	StatusPurging:   {StatusCompleted, StatusFailed},
	StatusFailed:    {StatusApproved},
}

// Terminal reports whether no further automatic transition occurs from s.
// FAILED is terminal for the engine; only the external approval workflow can
// move it back to APPROVED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// COMPLETED has no outgoing edges; nothing leaves a terminal state except the
// explicit FAILED -> APPROVED re-approval path.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step names the orchestration phases recorded in step timings and audit
// detail. They deliberately mirror the non-terminal processing statuses.
type Step string

const (
	StepLocate  Step = "locate"
	StepRewrite Step = "rewrite"
	StepPurge   Step = "purge"
)

// ErasureRequest is the durable record of one subject's right-to-erasure
// case. It is owned by the request store and mutated only by the lease
// holder; everyone else reads a snapshot.
type ErasureRequest struct {
	ID          uuid.UUID
	SubjectHash string
	Status      Status

	RequestedAt time.Time
	ApprovedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// RetryCount accumulates transient retries across all steps of all runs.
	RetryCount int
	LastError  string

	// StepTimings records wall-clock duration per completed step, carried
	// into the terminal audit event.
	StepTimings map[Step]time.Duration

	PartitionsAffected   int
	WarehouseRowsDeleted int64
	SLABreached          bool

	// Lease fields are colocated with status so a conditional write can
	// check ownership and advance state in one statement.
	LeaseHolder string
	LeaseExpiry time.Time
}

// subjectHashPattern matches the pseudonymous identifier format produced
// upstream: a lowercase hex SHA-256 digest.
var subjectHashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidateSubjectHash rejects malformed identifiers before a request is ever
// persisted. Requests that fail here never reach the orchestrator.
func ValidateSubjectHash(hash string) error {
	if !subjectHashPattern.MatchString(hash) {
		return fmt.Errorf("%w: subject hash must be a 64-character lowercase hex digest", ErrValidation)
	}
	return nil
}

// NewErasureRequest builds a PENDING request for the given subject.
func NewErasureRequest(subjectHash string, now time.Time) (*ErasureRequest, error) {
	if err := ValidateSubjectHash(subjectHash); err != nil {
		return nil, err
	}
	return &ErasureRequest{
		ID:          uuid.New(),
		SubjectHash: subjectHash,
		Status:      StatusPending,
		RequestedAt: now,
		StepTimings: make(map[Step]time.Duration),
	}, nil
}
