// Package metrics defines the Prometheus collectors for invocations,
// revocations and notifications. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registered collectors.
type Metrics struct {
	Invocations        *prometheus.CounterVec
	Revocations        *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	InvocationDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgdrift_invocations_total",
				Help: "Total number of change events handled, by outcome.",
			},
			[]string{"outcome"},
		),
		Revocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgdrift_rule_revocations_total",
				Help: "Total number of drifted rules processed, by direction and outcome.",
			},
			[]string{"direction", "outcome"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgdrift_notifications_total",
				Help: "Total number of notification attempts, by channel and result.",
			},
			[]string{"channel", "result"},
		),
		InvocationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sgdrift_invocation_duration_seconds",
				Help:    "Wall time of one invocation.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordInvocation records the outcome and duration of one invocation.
func (m *Metrics) RecordInvocation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(outcome).Inc()
	m.InvocationDuration.Observe(d.Seconds())
}

// RecordRevocation records one rule's remediation outcome.
func (m *Metrics) RecordRevocation(direction, outcome string) {
	if m == nil {
		return
	}
	m.Revocations.WithLabelValues(direction, outcome).Inc()
}

// RecordNotification records one channel attempt. result is delivered,
// skipped or failed.
func (m *Metrics) RecordNotification(channel, result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, result).Inc()
}
