// Package telemetry exposes the prometheus collectors the worker,
// supervisor, and cron timekeeper update as they run, plus the
// handler the ops HTTP mux serves them on. Grounded on the teacher's
// internal/telemetry/metrics.go (package-level collector vars behind a
// sync.Once registry, promhttp.Handler), extended with per-queue
// labels since swiftq is multi-queue where the teacher was single-queue.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftq_jobs_sent_total", Help: "Jobs accepted by Send/Insert.",
	}, []string{"queue"})

	JobsThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftq_jobs_throttled_total", Help: "Send calls rejected by the producer rate limiter.",
	}, []string{"queue"})

	JobsFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftq_jobs_fetched_total", Help: "Jobs claimed by a worker's Fetch call.",
	}, []string{"queue"})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftq_jobs_completed_total", Help: "Jobs that reached the completed state.",
	}, []string{"queue"})

	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftq_jobs_failed_total", Help: "Jobs that reached the failed state.",
	}, []string{"queue"})

	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftq_jobs_retried_total", Help: "Jobs moved back to the retry state.",
	}, []string{"queue"})

	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftq_jobs_dead_lettered_total", Help: "Jobs routed to a dead letter queue after exceeding their retry limit.",
	}, []string{"queue"})

	FetchContention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swiftq_fetch_contention_total", Help: "Fetch attempts that hit lock-wait-timeout contention.",
	})

	QueueStateDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swiftq_queue_state_depth", Help: "Job count per queue and state, from the monitor tick.",
	}, []string{"queue", "state"})

	MaintenanceExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swiftq_maintenance_expired_total", Help: "Active jobs failed by the maintenance tick's timeout pass.",
	})

	MaintenanceArchived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swiftq_maintenance_archived_total", Help: "Terminal jobs moved into the archive table.",
	})

	MaintenanceDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swiftq_maintenance_dropped_total", Help: "Archive rows dropped past the drop horizon.",
	})

	ClockSkewSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swiftq_clock_skew_seconds", Help: "Database server clock minus local clock, as last measured by the cron timekeeper.",
	})

	CronFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftq_cron_fired_total", Help: "Cron schedules fired by the timekeeper.",
	}, []string{"queue"})
)

// Handler registers every collector exactly once and returns the
// promhttp handler for the ops mux's /metrics route.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSent,
			JobsThrottled,
			JobsFetched,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsDeadLettered,
			FetchContention,
			QueueStateDepth,
			MaintenanceExpired,
			MaintenanceArchived,
			MaintenanceDropped,
			ClockSkewSeconds,
			CronFired,
		)
	})
	return promhttp.Handler()
}
