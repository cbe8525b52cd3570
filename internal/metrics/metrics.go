package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"store-sync-service/internal/logger"
)

var (
	OperationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_operations_processed_total",
			Help: "Sync operations processed, by entity type and outcome",
		},
		[]string{"entity_type", "outcome"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_operation_duration_seconds",
			Help:    "Time spent applying one sync operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"entity_type"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Operations currently in the queue, by status",
		},
		[]string{"status"},
	)

	ConflictsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_conflicts_detected_total",
			Help: "Conflicts detected between competing operations",
		},
	)

	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_conflicts_resolved_total",
			Help: "Conflicts resolved, by strategy",
		},
		[]string{"strategy"},
	)

	Connectivity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_connectivity",
			Help: "1 when the central peer is reachable, 0 otherwise",
		},
	)

	CacheRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_cache_records",
			Help: "Records refreshed into the offline cache on the last pass",
		},
	)
)

// Serve exposes /metrics on its own port. Runs until the listener fails.
func Serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Log.Info("Metrics server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Log.Error("Metrics server failed", zap.Error(err))
	}
}
