package stream

import (
	"context"
	"fmt"
	"sync"

	"lethe/pkg/platform/sentinel"
)

// Memory is a channel-backed stream for tests and single-process runs. It
// preserves the at-least-once contract's shape: Publish never blocks the
// store write path beyond the buffer, and Consume delivers in publish order.
type Memory struct {
	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

// NewMemory builds an in-process stream with a fixed buffer.
func NewMemory() *Memory {
	return &Memory{ch: make(chan Notification, 256)}
}

func (m *Memory) Publish(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	select {
	case m.ch <- n:
		return nil
	default:
		return fmt.Errorf("stream buffer full: %w", sentinel.ErrUnavailable)
	}
}

func (m *Memory) Consume(ctx context.Context, handle func(ctx context.Context, n Notification)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-m.ch:
			if !ok {
				return nil
			}
			handle(ctx, n)
		}
	}
}

// Close stops publishers and drains consumers.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}
