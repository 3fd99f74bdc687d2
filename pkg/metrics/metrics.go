// Package metrics provides Prometheus metrics for settings export and import operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	// ExportCount tracks exports per category, destination and outcome
	ExportCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsguard_export_total",
		Help: "The total number of exports performed",
	}, []string{"kind", "destination", "status"})

	// ExportDuration measures time taken by a whole export
	ExportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settingsguard_export_duration_seconds",
		Help:    "Time taken to perform an export",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ArtifactSize tracks the size of the last artifact written
	ArtifactSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settingsguard_artifact_size_bytes",
		Help: "Size of the last exported artifact in bytes",
	}, []string{"kind"})

	// LastExportTimestamp records the time of the last successful export per destination
	LastExportTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settingsguard_last_export_timestamp",
		Help: "Timestamp of the last successful export",
	}, []string{"kind", "destination"})

	// RetentionDeletes counts local exports removed by the retention policy
	RetentionDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settingsguard_retention_deletions_total",
		Help: "The total number of local exports deleted by retention policy",
	})

	// CloudRequestCount counts backend calls per provider, operation and error class
	CloudRequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsguard_cloud_requests_total",
		Help: "The total number of cloud provider requests",
	}, []string{"provider", "operation", "result"})

	// ImportCount tracks decrypt attempts by outcome
	ImportCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsguard_import_total",
		Help: "The total number of import decrypt attempts",
	}, []string{"source", "result"})

	// AuthRefreshCount tracks OAuth token refreshes by outcome
	AuthRefreshCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsguard_auth_refresh_total",
		Help: "The total number of OAuth access token refreshes",
	}, []string{"result"})
)
