// Package metrics exposes the worker's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botq_jobs_processed_total",
		Help: "Jobs reconciled by this worker, by queue and resulting job status",
	}, []string{"queue", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "botq_job_duration_seconds",
		Help:    "Wall time from claim to reconciliation",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botq_queue_depth",
		Help: "Waiting-list depth per queue",
	}, []string{"queue"})

	workerMemory = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botq_worker_resident_memory_bytes",
		Help: "Resident memory of the worker process",
	})
)

// RecordJob counts one reconciled job and observes its duration
func RecordJob(queue, status string, d time.Duration) {
	jobsProcessed.WithLabelValues(queue, status).Inc()
	jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// SetQueueDepth records the waiting-list depth of a queue
func SetQueueDepth(queue string, depth float64) {
	queueDepth.WithLabelValues(queue).Set(depth)
}

// SetWorkerMemory records the worker's resident memory
func SetWorkerMemory(bytes float64) {
	workerMemory.Set(bytes)
}

// Handler serves the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
