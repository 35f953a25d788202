// Package metrics provides the Prometheus metrics exposed by the
// control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "backplane"
)

// Metrics holds all control-plane Prometheus metrics.
type Metrics struct {
	RequestsTotal           *prometheus.CounterVec
	RequestFailuresTotal    *prometheus.CounterVec
	RequestDurationSeconds  *prometheus.HistogramVec
	ServiceHealth           *prometheus.GaugeVec
	CircuitBreakerState     *prometheus.GaugeVec
	QueueDepth              *prometheus.GaugeVec
	RateLimitRejectedTotal  *prometheus.CounterVec
	BalancerSelectionsTotal *prometheus.CounterVec
}

// New creates the metric bundle registered against reg. A nil reg
// registers against the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of orchestrated operations",
			},
			[]string{"service", "operation"},
		),
		RequestFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_failures_total",
				Help:      "Total number of failed operations",
			},
			[]string{"service", "operation", "reason"},
		),
		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
		ServiceHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_health",
				Help:      "Service health (1 healthy, 0.5 degraded, 0 unhealthy)",
			},
			[]string{"service"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"service"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Pending items in the request queue",
			},
			[]string{"service"},
		),
		RateLimitRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejected_total",
				Help:      "Total operations rejected by the rate limiter",
			},
			[]string{"service"},
		),
		BalancerSelectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balancer_selections_total",
				Help:      "Total instance selections by the load balancer",
			},
			[]string{"service", "strategy"},
		),
	}
}

// SetServiceHealth records a service's health as a gauge value.
func (m *Metrics) SetServiceHealth(service, status string) {
	var v float64
	switch status {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	default:
		v = 0
	}
	m.ServiceHealth.WithLabelValues(service).Set(v)
}

// SetBreakerState records a breaker's state as a gauge value.
func (m *Metrics) SetBreakerState(service, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half_open":
		v = 2
	default:
		v = 0
	}
	m.CircuitBreakerState.WithLabelValues(service).Set(v)
}
