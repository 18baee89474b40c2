package request

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lethe/internal/audit"
	"lethe/internal/domain"
	"lethe/internal/stream"
)

// Service is the ingestion surface of the engine: it records requests,
// applies external approval decisions, and answers status queries. Whether a
// request is legally valid is decided upstream; by the time Approve is
// called, that decision has been made.
type Service struct {
	store   Store
	auditor *audit.Publisher
	changes stream.Publisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the ingestion service.
func NewService(store Store, auditor *audit.Publisher, changes stream.Publisher, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("request store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	if changes == nil {
		return nil, fmt.Errorf("change stream publisher is required")
	}
	return &Service{
		store:   store,
		auditor: auditor,
		changes: changes,
		logger:  logger.With("component", "request"),
		now:     time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create validates the subject identifier and records a PENDING request.
// Malformed identifiers fail here and never reach the orchestrator.
func (s *Service) Create(ctx context.Context, subjectHash string) (*domain.ErasureRequest, error) {
	req, err := domain.NewErasureRequest(subjectHash, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, req); err != nil {
		return nil, err
	}
	if err := s.auditor.Emit(ctx, domain.AuditEvent{
		RequestID: req.ID,
		NewStatus: domain.StatusPending,
		Actor:     domain.ActorIngestion,
		Detail:    "erasure request created",
	}); err != nil {
		return nil, err
	}
	s.logger.Info("erasure request created", "request_id", req.ID)
	return req, nil
}

// Approve applies the external approval decision and notifies the change
// stream. Re-approving a FAILED request resets its retry budget and re-enters
// at APPROVED; the orchestrator resumes idempotently from there.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) error {
	now := s.now()
	prior, err := s.store.Approve(ctx, id, now)
	if err != nil {
		return err
	}
	if err := s.auditor.Emit(ctx, domain.AuditEvent{
		RequestID:   id,
		PriorStatus: prior,
		NewStatus:   domain.StatusApproved,
		Actor:       domain.ActorIngestion,
		Detail:      "approved by external workflow",
	}); err != nil {
		return err
	}
	if err := s.changes.Publish(ctx, stream.Notification{
		RequestID:  id.String(),
		NewStatus:  domain.StatusApproved,
		OccurredAt: now,
	}); err != nil {
		// The approval is durable; the recovery sweep will pick the request
		// up even if this notification never arrives.
		s.logger.Error("change notification failed", "request_id", id, "error", err)
	}
	s.logger.Info("erasure request approved", "request_id", id)
	return nil
}

// Get returns the latest durably recorded view of a request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.ErasureRequest, error) {
	return s.store.Get(ctx, id)
}

// AuditTrail returns the ordered event history for a request.
func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID) ([]domain.AuditEvent, error) {
	return s.auditor.List(ctx, id)
}
