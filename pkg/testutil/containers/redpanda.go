//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcredpanda "github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// RedpandaContainer wraps a Kafka-compatible testcontainers Redpanda instance.
type RedpandaContainer struct {
	Container testcontainers.Container
	Broker    string
}

// NewRedpandaContainer starts a new Redpanda container.
func NewRedpandaContainer(t *testing.T) *RedpandaContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcredpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.2.1")
	if err != nil {
		t.Fatalf("failed to start redpanda container: %v", err)
	}

	broker, err := container.KafkaSeedBroker(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get redpanda seed broker: %v", err)
	}

	// Shared across suites via the Manager; Ryuk handles teardown.
	return &RedpandaContainer{
		Container: container,
		Broker:    broker,
	}
}

// CreateTopic creates a topic with a single partition, failing the test on
// error. Existing topics are left untouched.
func (r *RedpandaContainer) CreateTopic(t *testing.T, topic string) {
	t.Helper()

	ctx := context.Background()
	client, err := kgo.NewClient(kgo.SeedBrokers(r.Broker))
	if err != nil {
		t.Fatalf("failed to build kafka admin client: %v", err)
	}
	defer client.Close()

	admin := kadm.NewClient(client)
	if _, err := admin.CreateTopic(ctx, 1, 1, nil, topic); err != nil {
		// Topic may already exist from a previous suite in this run.
		t.Logf("create topic %s: %v", topic, err)
	}
}
