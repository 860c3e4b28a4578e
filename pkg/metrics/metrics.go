package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync worker metrics
	WorkersAlive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nifsync_workers_alive",
			Help: "Number of running sync workers by sync type",
		},
		[]string{"sync_type"},
	)

	ChangesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nifsync_changes_ingested_total",
			Help: "Change messages recorded in the change log by sync type",
		},
		[]string{"sync_type"},
	)

	ChangesDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nifsync_changes_duplicate_total",
			Help: "Change messages dropped as already seen by sync type",
		},
		[]string{"sync_type"},
	)

	SyncErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nifsync_sync_errors_total",
			Help: "Source errors during change window fetches by sync type",
		},
		[]string{"sync_type"},
	)

	SyncMisfires = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nifsync_sync_misfires_total",
			Help: "Scheduler ticks dropped because the previous run overran",
		},
	)

	WorkersFailed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nifsync_workers_failed",
			Help: "Tenants whose worker could not be provisioned or started",
		},
	)

	// Stream consumer metrics
	StreamApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nifstream_applied_total",
			Help: "Work items applied to the sink by entity type and outcome",
		},
		[]string{"entity_type", "outcome"},
	)

	StreamRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nifstream_restarts_total",
			Help: "Stream consumer restarts after watch failures",
		},
	)

	RecoveredItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nifstream_recovered_total",
			Help: "Work items reprocessed by the recovery sweep",
		},
	)

	// Sink client metrics
	SinkRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nifsink_requests_total",
			Help: "Sink API requests by method and status class",
		},
		[]string{"method", "status"},
	)

	SourceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nifsource_request_duration_seconds",
			Help:    "Source API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersAlive)
	prometheus.MustRegister(ChangesIngested)
	prometheus.MustRegister(ChangesDuplicate)
	prometheus.MustRegister(SyncErrors)
	prometheus.MustRegister(SyncMisfires)
	prometheus.MustRegister(WorkersFailed)
	prometheus.MustRegister(StreamApplied)
	prometheus.MustRegister(StreamRestarts)
	prometheus.MustRegister(RecoveredItems)
	prometheus.MustRegister(SinkRequests)
	prometheus.MustRegister(SourceRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the metrics endpoint on addr. Blocks until the server
// fails; run it in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
