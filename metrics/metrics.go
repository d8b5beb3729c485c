// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var DocumentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fiscal",
	Subsystem: "documents",
	Name:      "transitions_total",
	Help:      "Committed document state transitions.",
}, []string{"kind", "status"})

var GatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "fiscal",
	Subsystem: "gateway",
	Name:      "call_duration_seconds",
	Help:      "Latency of tax authority gateway calls.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
}, []string{"adapter", "operation", "outcome"})

var SequencerFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fiscal",
	Subsystem: "sequencer",
	Name:      "failures_total",
	Help:      "Counter increments that failed and surfaced SEQUENCING_UNAVAILABLE.",
})

var WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fiscal",
	Subsystem: "webhooks",
	Name:      "attempts_total",
	Help:      "Webhook HTTP attempts by outcome.",
}, []string{"outcome"})

var WebhookTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fiscal",
	Subsystem: "webhooks",
	Name:      "terminal_total",
	Help:      "Webhook deliveries that reached success or failed.",
}, []string{"status"})

var WebhookScheduled = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fiscal",
	Subsystem: "webhooks",
	Name:      "scheduled_retries",
	Help:      "Retries currently waiting in the delivery scheduler.",
})

var CertificatesExpiring = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "fiscal",
	Subsystem: "certificates",
	Name:      "expiring",
	Help:      "Issuers whose certificate expiry hit a notification threshold on the last check.",
}, []string{"severity"})
