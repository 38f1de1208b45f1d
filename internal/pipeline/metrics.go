package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pitchengine/internal/domain"
)

// Outcome labels for stage operations.
const (
	outcomeOK        = "ok"
	outcomeDegraded  = "degraded"
	outcomeRetryable = "retryable"
	outcomeFailed    = "failed"
)

// Metrics records stage outcomes and latencies.
type Metrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_stage_operations_total",
			Help: "Pipeline stage operations by outcome",
		}, []string{"stage", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pitch_stage_duration_seconds",
			Help:    "Pipeline stage latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pitch_rate_limited_total",
			Help: "Outbound provider calls rejected by the rate limiter",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.operations, m.duration, m.rateLimited)
	return m
}

// observe records one finished stage operation.
func (m *Metrics) observe(stage domain.Stage, started time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
	m.operations.WithLabelValues(string(stage), outcome(err)).Inc()
}

// OnRateLimited implements ratelimit.Observer.
func (m *Metrics) OnRateLimited(stage domain.Stage, provider string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(provider).Inc()
}

func outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	switch domain.KindOf(err) {
	case domain.KindDegraded:
		return outcomeDegraded
	case domain.KindRetryable:
		return outcomeRetryable
	}
	return outcomeFailed
}
