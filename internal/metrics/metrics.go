// Package metrics holds the Prometheus collectors shared by the engine,
// the stores and the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SnapshotsTotal counts snapshots seen by the engine.
	// Labels: result (applied, rejected).
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notesync_snapshots_total",
		Help: "Collection snapshots received by the engine",
	}, []string{"result"})

	// FlushesTotal counts debounced flushes by outcome.
	// Labels: result (written, skipped, failed).
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notesync_flushes_total",
		Help: "Edit buffer flushes by outcome",
	}, []string{"result"})

	// FlushDuration tracks how long merge-writes take.
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notesync_flush_duration_seconds",
		Help:    "Latency of merge-writes issued by flushes",
		Buckets: prometheus.DefBuckets,
	})

	// StoreOpsTotal counts operations applied by a note store.
	// Labels: op (create, merge, delete), result (ok, error).
	StoreOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notesync_store_ops_total",
		Help: "Note store operations by type and result",
	}, []string{"op", "result"})

	// HubConnections is the number of open hub websocket connections.
	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_hub_connections",
		Help: "Open websocket connections on the hub",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the "result" label used by StoreOpsTotal.
func Result(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
