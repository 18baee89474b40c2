//go:build integration

package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"lethe/internal/lease"
	"lethe/pkg/platform/sentinel"
	"lethe/pkg/testutil/containers"
)

type RedisLeaseSuite struct {
	suite.Suite
	redis   *containers.RedisContainer
	manager *lease.RedisManager
}

func TestRedisLeaseSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLeaseSuite))
}

func (s *RedisLeaseSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.manager = lease.NewRedis(s.redis.Client)
}

func (s *RedisLeaseSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLeaseSuite) TestMutualExclusion() {
	ctx := context.Background()

	s.Require().NoError(s.manager.Acquire(ctx, "req-1", "worker-1", time.Minute))
	s.ErrorIs(s.manager.Acquire(ctx, "req-1", "worker-2", time.Minute), sentinel.ErrLeaseHeld)

	// Re-acquiring our own live lease is a no-op, not a conflict.
	s.NoError(s.manager.Acquire(ctx, "req-1", "worker-1", time.Minute))

	// Unrelated requests are independent.
	s.NoError(s.manager.Acquire(ctx, "req-2", "worker-2", time.Minute))
}

func (s *RedisLeaseSuite) TestExpiredLeaseIsReclaimable() {
	ctx := context.Background()

	s.Require().NoError(s.manager.Acquire(ctx, "req-1", "worker-1", 100*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	s.Require().NoError(s.manager.Acquire(ctx, "req-1", "worker-2", time.Minute))

	// The old holder can neither renew nor release the reclaimed lease.
	s.ErrorIs(s.manager.Renew(ctx, "req-1", "worker-1", time.Minute), sentinel.ErrLeaseLost)
	s.ErrorIs(s.manager.Release(ctx, "req-1", "worker-1"), sentinel.ErrLeaseLost)

	s.NoError(s.manager.Renew(ctx, "req-1", "worker-2", time.Minute))
}

func (s *RedisLeaseSuite) TestRenewExtendsTTL() {
	ctx := context.Background()

	s.Require().NoError(s.manager.Acquire(ctx, "req-1", "worker-1", 300*time.Millisecond))
	for i := 0; i < 3; i++ {
		time.Sleep(150 * time.Millisecond)
		s.Require().NoError(s.manager.Renew(ctx, "req-1", "worker-1", 300*time.Millisecond))
	}
	// Well past the original TTL, the lease is still held.
	s.ErrorIs(s.manager.Acquire(ctx, "req-1", "worker-2", time.Minute), sentinel.ErrLeaseHeld)
}

func (s *RedisLeaseSuite) TestReleaseFreesTheLease() {
	ctx := context.Background()

	s.Require().NoError(s.manager.Acquire(ctx, "req-1", "worker-1", time.Minute))
	s.Require().NoError(s.manager.Release(ctx, "req-1", "worker-1"))
	s.NoError(s.manager.Acquire(ctx, "req-1", "worker-2", time.Minute))
}
