package request

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lethe/internal/domain"
	"lethe/pkg/platform/sentinel"
)

func newStoredRequest(t *testing.T, store *MemoryStore) *domain.ErasureRequest {
	t.Helper()
	req, err := domain.NewErasureRequest(strings.Repeat("a1", 32), time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), req))
	return req
}

func mustApprove(t *testing.T, store *MemoryStore, id uuid.UUID, now time.Time) {
	t.Helper()
	_, err := store.Approve(context.Background(), id, now)
	require.NoError(t, err)
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	req := newStoredRequest(t, store)

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)

	assert.ErrorIs(t, store.Create(ctx, req), sentinel.ErrConflict)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestMemoryStore_ApproveGuards(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	req := newStoredRequest(t, store)
	now := time.Now()

	prior, err := store.Approve(ctx, req.ID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, prior)

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Equal(t, now, got.ApprovedAt)

	// Approving an already-APPROVED request is rejected.
	_, err = store.Approve(ctx, req.ID, now)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestMemoryStore_ReapprovalResetsRetryState(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	req := newStoredRequest(t, store)
	now := time.Now()

	mustApprove(t, store, req.ID, now)
	require.NoError(t, store.ClaimForProcessing(ctx, req.ID, "worker-a", now.Add(time.Minute), now))
	require.NoError(t, store.UpdateStatus(ctx, req.ID, "worker-a", StatusUpdate{
		Status:      domain.StatusFailed,
		LastError:   "purge failed",
		RetryDelta:  3,
		CompletedAt: now,
	}))

	// Re-approval reports the state it transitioned out of.
	prior, err := store.Approve(ctx, req.ID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, prior)

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
}

func TestMemoryStore_ClaimGuards(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	req := newStoredRequest(t, store)
	now := time.Now()

	// PENDING is not claimable.
	assert.ErrorIs(t, store.ClaimForProcessing(ctx, req.ID, "worker-a", now.Add(time.Minute), now),
		sentinel.ErrInvalidState)

	mustApprove(t, store, req.ID, now)
	require.NoError(t, store.ClaimForProcessing(ctx, req.ID, "worker-a", now.Add(time.Minute), now))

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLocating, got.Status)
	assert.Equal(t, "worker-a", got.LeaseHolder)
	assert.False(t, got.StartedAt.IsZero())

	// A live lease blocks a second claim.
	assert.ErrorIs(t, store.ClaimForProcessing(ctx, req.ID, "worker-b", now.Add(time.Minute), now),
		sentinel.ErrInvalidState)

	// An expired lease allows takeover.
	later := now.Add(2 * time.Minute)
	assert.NoError(t, store.ClaimForProcessing(ctx, req.ID, "worker-b", later.Add(time.Minute), later))
}

func TestMemoryStore_UpdateStatusRequiresLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	req := newStoredRequest(t, store)
	now := time.Now()

	mustApprove(t, store, req.ID, now)
	require.NoError(t, store.ClaimForProcessing(ctx, req.ID, "worker-a", now.Add(time.Minute), now))

	err := store.UpdateStatus(ctx, req.ID, "worker-b", StatusUpdate{Status: domain.StatusRewriting})
	assert.ErrorIs(t, err, sentinel.ErrLeaseLost)

	require.NoError(t, store.UpdateStatus(ctx, req.ID, "worker-a", StatusUpdate{
		Status:             domain.StatusRewriting,
		PartitionsAffected: 5,
	}))
	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRewriting, got.Status)
	assert.Equal(t, 5, got.PartitionsAffected)
}

func TestMemoryStore_TerminalUpdateClearsLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	req := newStoredRequest(t, store)
	now := time.Now()

	mustApprove(t, store, req.ID, now)
	require.NoError(t, store.ClaimForProcessing(ctx, req.ID, "worker-a", now.Add(time.Minute), now))
	require.NoError(t, store.UpdateStatus(ctx, req.ID, "worker-a", StatusUpdate{
		Status:               domain.StatusCompleted,
		CompletedAt:          now,
		WarehouseRowsDeleted: 3,
	}))

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Empty(t, got.LeaseHolder)
	assert.Equal(t, now, got.CompletedAt)
	assert.EqualValues(t, 3, got.WarehouseRowsDeleted)
}

func TestMemoryStore_ListStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()

	// Approved with no holder: stranded, must be listed.
	approved := newStoredRequest(t, store)
	mustApprove(t, store, approved.ID, now)

	// Claimed with a live lease: not stale.
	claimed := newStoredRequest(t, store)
	mustApprove(t, store, claimed.ID, now)
	require.NoError(t, store.ClaimForProcessing(ctx, claimed.ID, "worker-a", now.Add(time.Hour), now))

	// Claimed with an expired lease: stale.
	expired := newStoredRequest(t, store)
	mustApprove(t, store, expired.ID, now)
	require.NoError(t, store.ClaimForProcessing(ctx, expired.ID, "worker-b", now.Add(-time.Minute), now.Add(-2*time.Minute)))

	// Terminal: never listed.
	finished := newStoredRequest(t, store)
	mustApprove(t, store, finished.ID, now)
	require.NoError(t, store.ClaimForProcessing(ctx, finished.ID, "worker-c", now.Add(time.Hour), now))
	require.NoError(t, store.UpdateStatus(ctx, finished.ID, "worker-c", StatusUpdate{
		Status:      domain.StatusCompleted,
		CompletedAt: now,
	}))

	stale, err := store.ListStale(ctx, now)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(stale))
	for _, r := range stale {
		ids[r.ID] = true
	}
	assert.True(t, ids[approved.ID])
	assert.True(t, ids[expired.ID])
	assert.False(t, ids[claimed.ID])
	assert.False(t, ids[finished.ID])
}
