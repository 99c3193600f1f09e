package deletion

import (
	"cascadecore/pkg/domain"
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder observes deletion outcomes.
type MetricsRecorder interface {
	ObserveDeletion(ctx context.Context, t domain.EntityType, outcome State, duration time.Duration)
	ObserveCascadeWrites(ctx context.Context, t domain.EntityType, writes int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDeletion(context.Context, domain.EntityType, State, time.Duration) {}
func (noopMetrics) ObserveCascadeWrites(context.Context, domain.EntityType, int)            {}

// PrometheusMetrics publishes deletion counters and latencies.
type PrometheusMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	writes   *prometheus.CounterVec
}

// NewPrometheusMetrics registers the deletion collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascadecore",
			Subsystem: "deletion",
			Name:      "requests_total",
			Help:      "Deletion requests by entity type and outcome.",
		}, []string{"entity_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cascadecore",
			Subsystem: "deletion",
			Name:      "duration_seconds",
			Help:      "Deletion request latency including cascade cleanup.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_type"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascadecore",
			Subsystem: "deletion",
			Name:      "cascade_writes_total",
			Help:      "Referencing entities rewritten by committed cascades.",
		}, []string{"entity_type"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.writes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveDeletion implements MetricsRecorder.
func (m *PrometheusMetrics) ObserveDeletion(_ context.Context, t domain.EntityType, outcome State, duration time.Duration) {
	m.requests.WithLabelValues(string(t), outcome.String()).Inc()
	m.duration.WithLabelValues(string(t)).Observe(duration.Seconds())
}

// ObserveCascadeWrites implements MetricsRecorder.
func (m *PrometheusMetrics) ObserveCascadeWrites(_ context.Context, t domain.EntityType, writes int) {
	if writes <= 0 {
		return
	}
	m.writes.WithLabelValues(string(t)).Add(float64(writes))
}
