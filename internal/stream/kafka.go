package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka publishes and consumes change notifications on a single topic keyed
// by request id, so all changes for one request land in one partition in
// order.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// KafkaConfig carries broker and topic wiring for the change stream.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// NewKafka builds a client usable as Publisher, Consumer, or both. A consumer
// group is only required for consuming.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
	}
	if cfg.ConsumerGroup != "" {
		opts = append(opts,
			kgo.ConsumerGroup(cfg.ConsumerGroup),
			kgo.ConsumeTopics(cfg.Topic),
		)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Kafka{
		client: client,
		topic:  cfg.Topic,
		logger: logger.With("component", "stream"),
	}, nil
}

// Publish synchronously produces one notification. The caller has already
// committed the store write; a produce failure is surfaced so the caller can
// rely on the recovery sweep instead of assuming delivery.
func (k *Kafka) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(n.RequestID),
		Value: payload,
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce notification: %w", err)
	}
	return nil
}

// Consume polls until ctx is cancelled. Records that fail to decode are
// logged and skipped; the recovery sweep covers anything missed.
func (k *Kafka) Consume(ctx context.Context, handle func(ctx context.Context, n Notification)) error {
	for {
		fetches := k.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			k.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(record *kgo.Record) {
			var n Notification
			if err := json.Unmarshal(record.Value, &n); err != nil {
				k.logger.Error("skipping undecodable notification", "offset", record.Offset, "error", err)
				return
			}
			handle(ctx, n)
		})
	}
}

// Close releases the underlying Kafka client.
func (k *Kafka) Close() {
	k.client.Close()
}
