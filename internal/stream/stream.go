// Package stream carries request-change notifications from the request store
// to the dispatcher. Delivery is at-least-once; consumers tolerate duplicates
// because orchestration entry acquires a lease first.
package stream

import (
	"context"
	"time"

	"lethe/internal/domain"
)

// Notification announces that a request's status changed durably.
type Notification struct {
	RequestID  string        `json:"request_id"`
	NewStatus  domain.Status `json:"new_status"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Publisher emits notifications after the corresponding store write commits.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Consumer delivers notifications to a handler until ctx is cancelled.
// Handler errors are logged by implementations, not redelivered: the
// dispatcher's recovery sweep picks up anything dropped.
type Consumer interface {
	Consume(ctx context.Context, handle func(ctx context.Context, n Notification)) error
}
