// Package metrics is the producer side of quotaguard's Prometheus
// instrumentation: counters and histograms for every admission decision,
// queue depth and drain outcome, and pattern-analysis confidence. Nothing
// in the core reads these back; they exist purely for an external scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions counts every pre-call outcome by kind and provider.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotaguard_decisions_total",
		Help: "Total number of pre-call admission decisions",
	}, []string{"decision", "provider", "horizon"})

	// QueueDepth tracks current pending count per tenant.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quotaguard_queue_depth",
		Help: "Current number of pending queue entries",
	}, []string{"tenant"})

	// DrainOutcomes counts each drain-loop iteration's result.
	DrainOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotaguard_drain_outcomes_total",
		Help: "Outcomes of opportunistic queue drain attempts",
	}, []string{"outcome"}) // admitted, repend, rate_limited

	// QueueWaitSeconds is the observed wait time of entries the drain loop
	// admits (completed). Expired or cancelled entries are not observed.
	QueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quotaguard_queue_wait_seconds",
		Help:    "Observed wait time of queue entries admitted by the drain loop",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// PatternConfidence records the confidence of every persisted pattern.
	PatternConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quotaguard_pattern_confidence",
		Help:    "Confidence score of persisted usage patterns",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	// StoreErrors counts storage failures by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotaguard_store_errors_total",
		Help: "Storage operation failures",
	}, []string{"op"})
)
