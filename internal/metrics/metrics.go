// Package metrics exposes Prometheus counters for tracker runs. A run is a
// batch job, so the registry is written to a node-exporter textfile instead
// of being served over HTTP.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CatalogRequests counts catalog page requests by outcome.
	CatalogRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiotracker_catalog_requests_total",
			Help: "Catalog page requests by outcome",
		},
		[]string{"outcome"}, // "ok", "cached", "retry", "failed", "breaker_open"
	)

	// CatalogBreakerState mirrors the catalog circuit breaker.
	CatalogBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiotracker_catalog_breaker_state",
			Help: "Catalog circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// CandidatesDropped counts products rejected by normalization, by reason.
	CandidatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiotracker_candidates_dropped_total",
			Help: "Catalog products discarded during normalization",
		},
		[]string{"reason"},
	)

	// Matches counts persisted matches by tier.
	Matches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiotracker_matches_total",
			Help: "Matches persisted by confidence tier",
		},
		[]string{"tier"}, // "preferred", "review"
	)

	// RecordsPruned counts records deleted once released.
	RecordsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audiotracker_records_pruned_total",
			Help: "Records removed after their release date passed",
		},
	)

	// Notifications counts records per channel and delivery outcome.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiotracker_notifications_total",
			Help: "Records notified per channel and outcome",
		},
		[]string{"channel", "outcome"}, // "sent", "failed", "permanent"
	)

	// RunDuration is the wall time of the most recent run.
	RunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiotracker_run_duration_seconds",
			Help: "Wall time of the last run",
		},
	)

	// LastRunTimestamp is set when a run finishes.
	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiotracker_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		},
	)
)

// WriteTextfile writes the default registry to path for the node exporter's
// textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
