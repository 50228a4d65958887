package persist

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors mirroring the worker's stats counters. Queue depth
// and peak are the primary signal that backpressure or storage failure is
// building up.
var (
	mtxTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskbot_persist_tasks_total",
			Help: "Persistence tasks enqueued, by kind",
		},
		[]string{"kind"},
	)

	mtxCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskbot_persist_completed_total",
			Help: "Persistence tasks durably written",
		},
	)

	mtxFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskbot_persist_failed_total",
			Help: "Persistence tasks abandoned after write retries",
		},
	)

	mtxDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskbot_persist_dropped_total",
			Help: "Tasks dropped from a full queue (drop-oldest policy)",
		},
	)

	mtxCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskbot_persist_cache_hits_total",
			Help: "Read-through cache hits",
		},
	)

	mtxQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskbot_persist_queue_depth",
			Help: "Current persistence queue size",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxTasks, mtxCompleted, mtxFailed, mtxDropped, mtxCacheHits, mtxQueueDepth)
}
