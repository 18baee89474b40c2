package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"lethe/pkg/platform/sentinel"
)

// renewScript extends the TTL only if the caller still owns the key. The
// compare-and-set lives server-side so an expired-and-reacquired lease can
// never be extended by the old holder.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager implements Manager on a shared Redis, giving mutual exclusion
// across worker processes. Expiry is Redis-side TTL, so a crashed holder's
// lease reclaims itself without a sweeper.
type RedisManager struct {
	client *redis.Client
	prefix string
}

// NewRedis constructs a Redis-backed lease manager.
func NewRedis(client *redis.Client) *RedisManager {
	return &RedisManager{client: client, prefix: "lethe:lease:"}
}

func (m *RedisManager) key(requestID string) string {
	return m.prefix + requestID
}

func (m *RedisManager) Acquire(ctx context.Context, requestID, holder string, ttl time.Duration) error {
	ok, err := m.client.SetNX(ctx, m.key(requestID), holder, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease: %w: %v", sentinel.ErrUnavailable, err)
	}
	if !ok {
		// Re-acquiring our own live lease is allowed; it covers a worker
		// retrying entry after a dispatcher duplicate delivery.
		current, err := m.client.Get(ctx, m.key(requestID)).Result()
		if err == nil && current == holder {
			return nil
		}
		return sentinel.ErrLeaseHeld
	}
	return nil
}

func (m *RedisManager) Renew(ctx context.Context, requestID, holder string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, m.client, []string{m.key(requestID)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease: %w: %v", sentinel.ErrUnavailable, err)
	}
	if res == 0 {
		return sentinel.ErrLeaseLost
	}
	return nil
}

func (m *RedisManager) Release(ctx context.Context, requestID, holder string) error {
	res, err := releaseScript.Run(ctx, m.client, []string{m.key(requestID)}, holder).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w: %v", sentinel.ErrUnavailable, err)
	}
	if res == 0 {
		return sentinel.ErrLeaseLost
	}
	return nil
}
