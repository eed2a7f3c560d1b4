// Package metrics provides Prometheus metrics for matching and loading.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MatchDecisionsTotal counts match decisions by outcome (matched, unmatched).
	MatchDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitylink",
			Subsystem: "match",
			Name:      "decisions_total",
			Help:      "Total number of domain match decisions by outcome",
		},
		[]string{"decision"},
	)

	// MatchScore tracks the best score found per domain.
	MatchScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "entitylink",
			Subsystem: "match",
			Name:      "best_score",
			Help:      "Best token-sort score per matched domain query",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 85, 90, 95, 100},
		},
	)

	// LoaderRowsTotal counts input rows per stage by outcome
	// (processed, skipped, failed).
	LoaderRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitylink",
			Subsystem: "loader",
			Name:      "rows_total",
			Help:      "Total number of input rows per load stage by outcome",
		},
		[]string{"stage", "outcome"},
	)

	// LoaderChunkDuration tracks chunk commit time in seconds, retries included.
	LoaderChunkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "entitylink",
			Subsystem: "loader",
			Name:      "chunk_duration_seconds",
			Help:      "Duration of chunk writes in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// LoaderChunkRetries counts chunk retries after transient failures.
	LoaderChunkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitylink",
			Subsystem: "loader",
			Name:      "chunk_retries_total",
			Help:      "Total number of chunk retries after transient failures",
		},
		[]string{"stage"},
	)

	// LoaderSelfHealedDomains counts minimal domain rows created for
	// dependents that arrived before their domain.
	LoaderSelfHealedDomains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitylink",
			Subsystem: "loader",
			Name:      "self_healed_domains_total",
			Help:      "Total number of domain rows created on demand for dependent records",
		},
		[]string{"stage"},
	)

	// HTTPRequestDuration tracks lookup API latency by route template and
	// status code.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "entitylink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of lookup API requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "code"},
	)
)
