package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"worker"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Job attempts that failed and will retry"}, []string{"worker"})
	JobsDead      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_total", Help: "Jobs that exhausted retries"}, []string{"worker"})
	QueueDepth    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_depth", Help: "Waiting jobs per queue"}, []string{"queue"})
	InFlight      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased per queue"}, []string{"queue"})

	RetentionDeleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "retention_reports_deleted_total", Help: "Reports soft-deleted by policy"})
	RetentionArchived   = prometheus.NewCounter(prometheus.CounterOpts{Name: "retention_reports_archived_total", Help: "Reports copied to the archive table"})
	RetentionBytesFreed = prometheus.NewCounter(prometheus.CounterOpts{Name: "retention_bytes_freed_total", Help: "Storage bytes freed by retention sweeps"})
	RetentionErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "retention_sweep_errors_total", Help: "Per-project errors during retention sweeps"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCompleted,
			JobsFailed,
			JobsDead,
			QueueDepth,
			InFlight,
			RetentionDeleted,
			RetentionArchived,
			RetentionBytesFreed,
			RetentionErrors,
		)
	})
	return promhttp.Handler()
}
