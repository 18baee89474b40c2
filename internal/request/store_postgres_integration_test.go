//go:build integration

package request_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"lethe/internal/domain"
	"lethe/internal/request"
	"lethe/pkg/platform/sentinel"
	"lethe/pkg/testutil/containers"
)

const testSubjectHash = "a3f8b2c9d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1"

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *request.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = request.NewPostgres(s.postgres.DB)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "erasure_requests"))
}

func (s *PostgresStoreSuite) seed() *domain.ErasureRequest {
	s.T().Helper()
	req, err := domain.NewErasureRequest(testSubjectHash, time.Now().UTC())
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(context.Background(), req))
	return req
}

func (s *PostgresStoreSuite) approve(id uuid.UUID, now time.Time) {
	s.T().Helper()
	_, err := s.store.Approve(context.Background(), id, now)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestCreateAndGetRoundtrip() {
	ctx := context.Background()
	req := s.seed()

	got, err := s.store.Get(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(req.ID, got.ID)
	s.Equal(testSubjectHash, got.SubjectHash)
	s.Equal(domain.StatusPending, got.Status)
	s.WithinDuration(req.RequestedAt, got.RequestedAt, time.Millisecond)
	s.True(got.ApprovedAt.IsZero())
	s.Empty(got.StepTimings)
}

func (s *PostgresStoreSuite) TestCreateDuplicateConflicts() {
	req := s.seed()
	err := s.store.Create(context.Background(), req)
	s.Require().ErrorIs(err, sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestGetUnknown() {
	_, err := s.store.Get(context.Background(), uuid.New())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestApproveGuards() {
	ctx := context.Background()
	req := s.seed()

	prior, err := s.store.Approve(ctx, req.ID, time.Now().UTC())
	s.Require().NoError(err)
	s.Equal(domain.StatusPending, prior)

	got, err := s.store.Get(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusApproved, got.Status)
	s.False(got.ApprovedAt.IsZero())

	_, err = s.store.Approve(ctx, req.ID, time.Now().UTC())
	s.ErrorIs(err, sentinel.ErrInvalidState)
	_, err = s.store.Approve(ctx, uuid.New(), time.Now().UTC())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestReapprovalReportsPriorStatus() {
	ctx := context.Background()
	now := time.Now().UTC()
	req := s.seed()

	s.approve(req.ID, now)
	s.Require().NoError(s.store.ClaimForProcessing(ctx, req.ID, "worker-1", now.Add(time.Minute), now))
	s.Require().NoError(s.store.UpdateStatus(ctx, req.ID, "worker-1", request.StatusUpdate{
		Status:      domain.StatusFailed,
		LastError:   "purge failed",
		RetryDelta:  3,
		CompletedAt: now,
	}))

	// The prior status comes back from the same conditional write, so a
	// concurrent transition cannot slip in between a read and the update.
	prior, err := s.store.Approve(ctx, req.ID, now)
	s.Require().NoError(err)
	s.Equal(domain.StatusFailed, prior)

	got, err := s.store.Get(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusApproved, got.Status)
	s.Zero(got.RetryCount)
	s.Empty(got.LastError)
}

func (s *PostgresStoreSuite) TestClaimGuards() {
	ctx := context.Background()
	now := time.Now().UTC()
	req := s.seed()

	// PENDING is not claimable.
	s.ErrorIs(s.store.ClaimForProcessing(ctx, req.ID, "worker-1", now.Add(time.Minute), now), sentinel.ErrInvalidState)

	s.approve(req.ID, now)
	s.Require().NoError(s.store.ClaimForProcessing(ctx, req.ID, "worker-1", now.Add(time.Minute), now))

	got, err := s.store.Get(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusLocating, got.Status)
	s.Equal("worker-1", got.LeaseHolder)
	s.False(got.StartedAt.IsZero())

	// A live lease blocks takeover.
	s.ErrorIs(s.store.ClaimForProcessing(ctx, req.ID, "worker-2", now.Add(time.Minute), now), sentinel.ErrInvalidState)

	// An expired lease allows it.
	later := now.Add(2 * time.Minute)
	s.Require().NoError(s.store.ClaimForProcessing(ctx, req.ID, "worker-2", later.Add(time.Minute), later))

	got, err = s.store.Get(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal("worker-2", got.LeaseHolder)
}

func (s *PostgresStoreSuite) TestUpdateStatusIsLeaseConditional() {
	ctx := context.Background()
	now := time.Now().UTC()
	req := s.seed()
	s.approve(req.ID, now)
	s.Require().NoError(s.store.ClaimForProcessing(ctx, req.ID, "worker-1", now.Add(time.Minute), now))

	err := s.store.UpdateStatus(ctx, req.ID, "worker-2", request.StatusUpdate{Status: domain.StatusRewriting})
	s.Require().ErrorIs(err, sentinel.ErrLeaseLost)

	s.Require().NoError(s.store.UpdateStatus(ctx, req.ID, "worker-1", request.StatusUpdate{
		Status:             domain.StatusRewriting,
		RetryDelta:         2,
		PartitionsAffected: 4,
		StepTimings: map[domain.Step]time.Duration{
			domain.StepLocate: 1500 * time.Millisecond,
		},
	}))

	got, err := s.store.Get(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusRewriting, got.Status)
	s.Equal(2, got.RetryCount)
	s.Equal(4, got.PartitionsAffected)
	s.Equal(1500*time.Millisecond, got.StepTimings[domain.StepLocate])
}

func (s *PostgresStoreSuite) TestTerminalUpdateClearsLease() {
	ctx := context.Background()
	now := time.Now().UTC()
	req := s.seed()
	s.approve(req.ID, now)
	s.Require().NoError(s.store.ClaimForProcessing(ctx, req.ID, "worker-1", now.Add(time.Minute), now))

	s.Require().NoError(s.store.UpdateStatus(ctx, req.ID, "worker-1", request.StatusUpdate{
		Status:               domain.StatusCompleted,
		CompletedAt:          now,
		WarehouseRowsDeleted: 7,
		SLABreached:          true,
	}))

	got, err := s.store.Get(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusCompleted, got.Status)
	s.Empty(got.LeaseHolder)
	s.Equal(int64(7), got.WarehouseRowsDeleted)
	s.True(got.SLABreached)
	s.False(got.CompletedAt.IsZero())
}

func (s *PostgresStoreSuite) TestListStale() {
	ctx := context.Background()
	now := time.Now().UTC()

	// Approved with no holder: stranded, listed.
	stranded := s.seed()
	s.approve(stranded.ID, now)

	// Claimed with a live lease: not listed.
	liveReq, err := domain.NewErasureRequest(testSubjectHash, now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(ctx, liveReq))
	s.approve(liveReq.ID, now)
	s.Require().NoError(s.store.ClaimForProcessing(ctx, liveReq.ID, "worker-1", now.Add(time.Hour), now))

	// Claimed with an expired lease: listed.
	deadReq, err := domain.NewErasureRequest(testSubjectHash, now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(ctx, deadReq))
	s.approve(deadReq.ID, now)
	s.Require().NoError(s.store.ClaimForProcessing(ctx, deadReq.ID, "worker-2", now.Add(time.Millisecond), now))

	stale, err := s.store.ListStale(ctx, now.Add(time.Minute))
	s.Require().NoError(err)

	ids := make(map[uuid.UUID]bool, len(stale))
	for _, req := range stale {
		ids[req.ID] = true
	}
	s.True(ids[stranded.ID])
	s.True(ids[deadReq.ID])
	s.False(ids[liveReq.ID])
}
