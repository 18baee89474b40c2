// Package lease grants exclusive, time-bounded ownership of an erasure
// request to one worker. A holder that stops renewing loses the lease at TTL
// expiry, which is what makes crash takeover safe: the next holder resumes
// from the request's last durable state instead of double-processing.
package lease

import (
	"context"
	"time"
)

// Manager is the at-most-one-holder contract. Acquire returns
// sentinel.ErrLeaseHeld when another worker owns the request; Renew and
// Release return sentinel.ErrLeaseLost when the caller no longer holds it.
type Manager interface {
	Acquire(ctx context.Context, requestID, holder string, ttl time.Duration) error
	Renew(ctx context.Context, requestID, holder string, ttl time.Duration) error
	Release(ctx context.Context, requestID, holder string) error
}

// Lease is the handle the orchestrator threads through every call, so
// ownership stays explicit rather than ambient process state.
type Lease struct {
	RequestID string
	Holder    string
	TTL       time.Duration
}
