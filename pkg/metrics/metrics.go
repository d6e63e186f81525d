// Package metrics exposes Prometheus collectors for the ingestion pipeline
// and the live stream layer.
//
// # Basic Usage
//
//	metrics.RowsRead.WithLabelValues("postgis", "roads").Add(5000)
//
//	timer := metrics.NewTimer()
//	runSync(ctx, layer)
//	metrics.SyncDuration.WithLabelValues("incremental").Observe(timer.Stop().Seconds())
//
// All collectors are registered with the default registry at package load;
// serving them requires nothing beyond mounting promhttp.Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsRead counts rows streamed out of external sources.
	// Labels: source (connector type), table.
	RowsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_rows_read_total",
			Help: "Total rows read from external sources",
		},
		[]string{"source", "table"},
	)

	// RowsWritten counts features persisted to the sink.
	// Labels: source, table.
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_rows_written_total",
			Help: "Total features written to the sink",
		},
		[]string{"source", "table"},
	)

	// RowsSkipped counts rows dropped before the sink, partitioned by reason
	// (duplicate, no_geometry, parse_error).
	RowsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_rows_skipped_total",
			Help: "Total rows skipped during ingestion",
		},
		[]string{"source", "table", "reason"},
	)

	// CellsIndexed counts hexagonal index cells written alongside features.
	CellsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_index_cells_written_total",
			Help: "Total spatial index cells written",
		},
		[]string{"source", "table"},
	)

	// SyncDuration tracks end-to-end sync run durations in seconds.
	// Labels: mode (incremental/full).
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tessera_sync_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"mode"},
	)

	// SyncRuns counts completed sync runs by outcome.
	// Labels: mode, status (success/failure/skipped).
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_sync_runs_total",
			Help: "Total sync runs by outcome",
		},
		[]string{"mode", "status"},
	)

	// ActiveSubscriptions tracks live stream subscriptions by protocol.
	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tessera_active_subscriptions",
			Help: "Number of active stream subscriptions",
		},
		[]string{"protocol"},
	)

	// FeaturesDelivered counts features pushed to subscribers.
	FeaturesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_features_delivered_total",
			Help: "Total features delivered to subscribers",
		},
		[]string{"protocol"},
	)

	// DeliveryFailures counts delivery callbacks that errored. A failure
	// deactivates the subscription that produced it.
	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_delivery_failures_total",
			Help: "Total failed deliveries to subscribers",
		},
		[]string{"protocol"},
	)
)

// Timer measures the elapsed time of a single operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a timer that starts immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. Calling Stop more than
// once returns the total elapsed time each call.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
