// Package retry makes retry behavior a first-class, injectable parameter.
// Each orchestration step receives its own Policy instead of hiding retries
// in ad hoc loops, so attempt counts and backoff schedules are testable.
package retry

import (
	"context"
	"errors"
	"time"

	"lethe/pkg/platform/sentinel"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy suits network-facing calls: 3 attempts, 500ms base, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}
}

// transientError marks an error as retryable without losing the cause.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so Do will retry it. Wrapping nil returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried: either explicitly marked
// via Transient, or one of the infrastructure sentinels that describe a
// temporary condition.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, sentinel.ErrThrottled) || errors.Is(err, sentinel.ErrUnavailable)
}

// Delay returns the backoff delay before the given 1-based attempt's retry.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, returns a non-transient error, or exhausts
// the attempt budget. attempts receives the number of retries performed so
// callers can account them; pass nil to ignore.
func (p Policy) Do(ctx context.Context, attempts *int, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if attempts != nil {
			*attempts++
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
