// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileTotal counts reconciliation ticks by outcome.
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nowplaying_reconcile_total",
			Help: "Reconciliation ticks by outcome",
		},
		[]string{"outcome"}, // edited, posted, reposted, deactivated, skipped_*
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nowplaying_reconcile_duration_seconds",
			Help:    "Duration of a single subscriber reconciliation",
			Buckets: prometheus.DefBuckets,
		},
	)

	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nowplaying_pass_duration_seconds",
			Help:    "Duration of a full scheduler pass over all active subscribers",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nowplaying_active_subscribers",
			Help: "Subscribers with a posting target in the last pass",
		},
	)

	// EnrichTotal counts provider lookups by result: hit, miss, error, rejected.
	EnrichTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nowplaying_enrich_total",
			Help: "Metadata provider lookups by result",
		},
		[]string{"provider", "result"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nowplaying_breaker_state",
			Help: "Circuit breaker state per metadata provider",
		},
		[]string{"provider"},
	)

	DeliveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nowplaying_delivery_total",
			Help: "Chat platform calls by operation and result",
		},
		[]string{"op", "result"},
	)
)
