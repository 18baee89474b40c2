package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"lethe/internal/domain"
)

// MemoryStore is the in-process audit sink used by tests and single-process
// runs. Append-only, like its Postgres counterpart.
type MemoryStore struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

// NewMemory constructs an empty in-memory audit store.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) List(_ context.Context, requestID uuid.UUID) ([]domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEvent
	for _, event := range s.events {
		if event.RequestID == requestID {
			out = append(out, event)
		}
	}
	// Append order is the sequence tiebreaker; a stable sort keeps it for
	// equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
