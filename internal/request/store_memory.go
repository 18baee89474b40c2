package request

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lethe/internal/domain"
	"lethe/pkg/platform/sentinel"
)

// MemoryStore implements Store in memory with the same conditional-write
// semantics as the Postgres store, so unit tests exercise the real lifecycle
// guards.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*domain.ErasureRequest
}

// NewMemory constructs an empty in-memory request store.
func NewMemory() *MemoryStore {
	return &MemoryStore{requests: make(map[uuid.UUID]*domain.ErasureRequest)}
}

func (s *MemoryStore) Create(_ context.Context, req *domain.ErasureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("create request %s: %w", req.ID, sentinel.ErrConflict)
	}
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.ErasureRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, sentinel.ErrNotFound)
	}
	return cloneRequest(req), nil
}

func (s *MemoryStore) Approve(_ context.Context, id uuid.UUID, now time.Time) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return "", fmt.Errorf("request %s: %w", id, sentinel.ErrNotFound)
	}
	if req.Status != domain.StatusPending && req.Status != domain.StatusFailed {
		return "", fmt.Errorf("request %s: %w", id, sentinel.ErrInvalidState)
	}
	prior := req.Status
	req.Status = domain.StatusApproved
	req.ApprovedAt = now
	req.RetryCount = 0
	req.LastError = ""
	return prior, nil
}

func (s *MemoryStore) ClaimForProcessing(_ context.Context, id uuid.UUID, holder string, expiry, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, sentinel.ErrNotFound)
	}
	claimable := req.Status == domain.StatusApproved ||
		(isProcessing(req.Status) && (req.LeaseExpiry.IsZero() || req.LeaseExpiry.Before(now)))
	if !claimable {
		return fmt.Errorf("request %s: %w", id, sentinel.ErrInvalidState)
	}
	req.Status = domain.StatusLocating
	req.LeaseHolder = holder
	req.LeaseExpiry = expiry
	if req.StartedAt.IsZero() {
		req.StartedAt = now
	}
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, holder string, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.LeaseHolder != holder {
		return fmt.Errorf("update request %s: %w", id, sentinel.ErrLeaseLost)
	}
	req.Status = update.Status
	req.LastError = update.LastError
	req.RetryCount += update.RetryDelta
	if update.StepTimings != nil {
		req.StepTimings = make(map[domain.Step]time.Duration, len(update.StepTimings))
		for step, d := range update.StepTimings {
			req.StepTimings[step] = d
		}
	}
	if update.PartitionsAffected > 0 {
		req.PartitionsAffected = update.PartitionsAffected
	}
	if update.WarehouseRowsDeleted > 0 {
		req.WarehouseRowsDeleted = update.WarehouseRowsDeleted
	}
	if update.SLABreached {
		req.SLABreached = true
	}
	if !update.CompletedAt.IsZero() {
		req.CompletedAt = update.CompletedAt
	}
	if !update.LeaseExpiry.IsZero() {
		req.LeaseExpiry = update.LeaseExpiry
	}
	if update.Status.Terminal() {
		req.LeaseHolder = ""
	}
	return nil
}

func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time) ([]*domain.ErasureRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ErasureRequest
	for _, req := range s.requests {
		stale := req.Status == domain.StatusApproved || isProcessing(req.Status)
		if !stale {
			continue
		}
		if req.LeaseHolder == "" || req.LeaseExpiry.IsZero() || req.LeaseExpiry.Before(cutoff) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func isProcessing(status domain.Status) bool {
	switch status {
	case domain.StatusLocating, domain.StatusRewriting, domain.StatusPurging:
		return true
	}
	return false
}

func cloneRequest(req *domain.ErasureRequest) *domain.ErasureRequest {
	out := *req
	out.StepTimings = make(map[domain.Step]time.Duration, len(req.StepTimings))
	for step, d := range req.StepTimings {
		out.StepTimings[step] = d
	}
	return &out
}
