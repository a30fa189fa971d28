// Package metrics exposes Prometheus instruments for the billing core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salonfox",
		Subsystem: "billing",
		Name:      "provider_requests_total",
		Help:      "Outbound payment provider calls by operation and outcome.",
	}, []string{"provider", "operation", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "salonfox",
		Subsystem: "billing",
		Name:      "provider_request_duration_seconds",
		Help:      "Latency of outbound payment provider calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"provider", "operation"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salonfox",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Webhook deliveries by provider and outcome.",
	}, []string{"provider", "outcome"})

	// ReconciliationRequired counts provider-side successes whose local write
	// failed after all retries.
	ReconciliationRequired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salonfox",
		Subsystem: "billing",
		Name:      "reconciliation_required_total",
		Help:      "Provider operations that succeeded but could not be persisted.",
	}, []string{"provider", "operation"})

	EntitlementDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salonfox",
		Subsystem: "entitlements",
		Name:      "denials_total",
		Help:      "Requests rejected by plan feature or usage checks.",
	}, []string{"check"})
)

// Outcome labels.
const (
	OutcomeSuccess     = "success"
	OutcomeDeclined    = "declined"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)
