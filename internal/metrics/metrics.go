// Package metrics holds the Prometheus collectors for the ingest pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heatmap"

var (
	// MessagesReceived counts messages read from the message source, by mode
	// (backfill or listen).
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages read from the message source.",
		},
		[]string{"mode"},
	)

	// MessagesSkipped counts messages that did not produce a stored event,
	// by reason.
	MessagesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_skipped_total",
			Help:      "Messages that did not produce a stored event.",
		},
		[]string{"reason"},
	)

	// EventsStored counts event upserts, by outcome (inserted or updated).
	EventsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_stored_total",
			Help:      "Event upserts by outcome.",
		},
		[]string{"outcome"},
	)

	// BucketWrites counts bucket rows written, by operation.
	BucketWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bucket_writes_total",
			Help:      "Heatmap bucket rows written.",
		},
		[]string{"op"},
	)

	// StoreErrors counts failed persistence calls, by operation.
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed persistence operations.",
		},
		[]string{"op"},
	)

	// MirrorRuns counts mirror runs, by result.
	MirrorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_runs_total",
			Help:      "Backend mirror runs by result.",
		},
		[]string{"result"},
	)

	// MirrorLastSuccess is the unix time of the last successful mirror run.
	MirrorLastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mirror_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful mirror run.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesReceived,
		MessagesSkipped,
		EventsStored,
		BucketWrites,
		StoreErrors,
		MirrorRuns,
		MirrorLastSuccess,
	)
}

// Handler returns the HTTP handler that exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
