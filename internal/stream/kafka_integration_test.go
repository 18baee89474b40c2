//go:build integration

package stream_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lethe/internal/domain"
	"lethe/internal/stream"
	"lethe/pkg/testutil/containers"
)

func TestKafkaRoundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	redpanda := containers.GetManager().GetRedpanda(t)
	topic := "erasure.request-changes." + uuid.NewString()
	redpanda.CreateTopic(t, topic)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	producer, err := stream.NewKafka(stream.KafkaConfig{
		Brokers: []string{redpanda.Broker},
		Topic:   topic,
	}, logger)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := stream.NewKafka(stream.KafkaConfig{
		Brokers:       []string{redpanda.Broker},
		Topic:         topic,
		ConsumerGroup: "lethe-test-" + uuid.NewString(),
	}, logger)
	require.NoError(t, err)
	defer consumer.Close()

	sent := stream.Notification{
		RequestID:  uuid.NewString(),
		NewStatus:  domain.StatusApproved,
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, producer.Publish(context.Background(), sent))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got := make(chan stream.Notification, 1)
	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- consumer.Consume(ctx, func(_ context.Context, n stream.Notification) {
			select {
			case got <- n:
			default:
			}
		})
	}()

	select {
	case n := <-got:
		require.Equal(t, sent.RequestID, n.RequestID)
		require.Equal(t, domain.StatusApproved, n.NewStatus)
		require.True(t, sent.OccurredAt.Equal(n.OccurredAt))
	case <-ctx.Done():
		t.Fatal("notification never arrived")
	}

	cancel()
	require.ErrorIs(t, <-consumeErr, context.Canceled)
}
