package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshingester_messages_consumed_total",
			Help: "Total MQTT messages consumed per source.",
		},
		[]string{"source"},
	)

	DecodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshingester_decode_failures_total",
			Help: "Packets dropped during decryption/decoding, by reason.",
		},
		[]string{"source", "reason"},
	)

	DedupHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshingester_dedup_hits_total",
			Help: "Telemetry readings suppressed as duplicates.",
		},
		[]string{"reading_type"},
	)

	PendingTelemetryDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshingester_pending_telemetry_depth",
			Help: "Telemetry readings currently buffered awaiting a position fix.",
		},
		[]string{"source"},
	)

	PendingNodeInfoDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshingester_pending_nodeinfo_depth",
			Help: "NodeInfo entries currently buffered awaiting a position fix.",
		},
		[]string{"source"},
	)

	RowsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshingester_rows_committed_total",
			Help: "Analytical rows handed to the batched writer.",
		},
		[]string{"source", "reading_type"},
	)

	FlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshingester_flush_duration_seconds",
			Help:    "Analytical store flush latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)

	FlushBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshingester_flush_batch_size",
			Help:    "Row counts per analytical store flush.",
			Buckets: []float64{1, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{},
	)

	FlushFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshingester_flush_failures_total",
			Help: "Analytical store flush attempts that errored and were retried.",
		},
		[]string{},
	)

	PublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshingester_publish_failures_total",
			Help: "Downstream reading publishes that failed.",
		},
		[]string{"source"},
	)

	SourceConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshingester_source_connected",
			Help: "MQTT source connection state (0/1).",
		},
		[]string{"source"},
	)

	GeocodeFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshingester_geocode_fallbacks_total",
			Help: "Readings committed with unknown country/subdivision after a geocode lookup failure.",
		},
		[]string{},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesConsumedTotal,
			DecodeFailuresTotal,
			DedupHitsTotal,
			PendingTelemetryDepth,
			PendingNodeInfoDepth,
			RowsCommittedTotal,
			FlushDuration,
			FlushBatchSize,
			FlushFailuresTotal,
			PublishFailuresTotal,
			SourceConnected,
			GeocodeFallbacksTotal,
		)
	})
}
