package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the erasure engine. The set
// mirrors what compliance reporting watches: throughput, failures, rewrite
// volume, duration, and SLA breaches.
type Metrics struct {
	RequestsProcessed   prometheus.Counter
	ErasureFailures     prometheus.Counter
	PartitionsRewritten prometheus.Counter
	SLABreaches         prometheus.Counter
	ErasureDuration     prometheus.Histogram
	StepDuration        *prometheus.HistogramVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lethe_requests_processed_total",
			Help: "Total erasure requests driven to a terminal state.",
		}),
		ErasureFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lethe_erasure_failures_total",
			Help: "Total erasure requests that ended at FAILED.",
		}),
		PartitionsRewritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lethe_partitions_rewritten_total",
			Help: "Total lake partitions rewritten without the subject's rows.",
		}),
		SLABreaches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lethe_sla_breaches_total",
			Help: "Total requests that exceeded the erasure SLA budget.",
		}),
		ErasureDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lethe_erasure_duration_seconds",
			Help:    "End-to-end erasure duration from approval to terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lethe_step_duration_seconds",
			Help:    "Duration of individual orchestration steps.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step"}),
	}
}

// ObserveStep records one step's duration.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}
