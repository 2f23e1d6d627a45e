// Package metrics holds the Prometheus collectors of the indexing pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DocumentsWritten counts bulk items by target index and outcome
	DocumentsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghs_documents_written_total",
			Help: "Documents sent to the store by index and outcome",
		},
		[]string{"index", "outcome"}, // succeeded, failed, aborted
	)

	BulkFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghs_bulk_flushes_total",
			Help: "Bulk flushes by outcome",
		},
		[]string{"outcome"}, // ok, partial, failed
	)

	PropertiesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghs_properties_skipped_total",
			Help: "Properties skipped because no certificates were found",
		},
	)

	ListingsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghs_listings_rejected_total",
			Help: "Listing records rejected before indexing",
		},
		[]string{"reason"}, // invalid, dangling_reference
	)

	AliasCutovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghs_alias_cutovers_total",
			Help: "Completed alias cutovers by index family",
		},
		[]string{"family"},
	)

	ListingsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghs_listings_swept_total",
			Help: "Listings expired or purged by the retention sweeper",
		},
		[]string{"mode"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ghs_run_duration_seconds",
			Help:    "Duration of indexing runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
		[]string{"operation", "status"},
	)
)
