package lease

import (
	"context"
	"sync"
	"time"

	"lethe/pkg/platform/sentinel"
)

type memoryLease struct {
	holder string
	expiry time.Time
}

// MemoryManager implements Manager in-process. It mirrors the Redis
// semantics exactly (expired leases are reclaimable, renew and release are
// owner-conditional) so unit tests exercise the same contract the
// orchestrator sees in production.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemory constructs an in-process lease manager. Only safe for a single
// worker instance.
func NewMemory() *MemoryManager {
	return &MemoryManager{leases: make(map[string]memoryLease), now: time.Now}
}

// SetClock overrides the time source for expiry tests.
func (m *MemoryManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryManager) Acquire(_ context.Context, requestID, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[requestID]
	if ok && current.expiry.After(m.now()) && current.holder != holder {
		return sentinel.ErrLeaseHeld
	}
	m.leases[requestID] = memoryLease{holder: holder, expiry: m.now().Add(ttl)}
	return nil
}

func (m *MemoryManager) Renew(_ context.Context, requestID, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[requestID]
	if !ok || current.holder != holder || !current.expiry.After(m.now()) {
		return sentinel.ErrLeaseLost
	}
	m.leases[requestID] = memoryLease{holder: holder, expiry: m.now().Add(ttl)}
	return nil
}

func (m *MemoryManager) Release(_ context.Context, requestID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[requestID]
	if !ok || current.holder != holder {
		return sentinel.ErrLeaseLost
	}
	delete(m.leases, requestID)
	return nil
}
