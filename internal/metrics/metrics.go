package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "woosync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	webhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "woosync",
			Name:      "webhooks_received_total",
			Help:      "Inbound webhook deliveries by topic and verdict.",
		},
		[]string{"topic", "verdict"},
	)

	syncOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "woosync",
			Name:      "sync_outcomes_total",
			Help:      "Reconciliation outcomes by entity kind.",
		},
		[]string{"kind", "outcome"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "woosync",
			Name:      "sync_duration_seconds",
			Help:      "Wall time of one entity reconciliation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "woosync",
			Name:      "tasks_processed_total",
			Help:      "Dispatcher tasks by name and final status.",
		},
		[]string{"task", "status"},
	)

	lockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "woosync",
			Name:      "lock_contention_total",
			Help:      "Lock acquisitions that timed out waiting.",
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "woosync",
			Name:      "task_queue_depth",
			Help:      "Tasks currently waiting in the dispatch queue.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, webhooksReceived, syncOutcomes,
			syncDuration, tasksProcessed, lockContention, queueDepth)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncWebhook counts one delivery: verdict is accepted, duplicate,
// rejected or invalid_signature.
func IncWebhook(topic, verdict string) {
	webhooksReceived.WithLabelValues(topic, verdict).Inc()
}

// IncSyncOutcome counts one reconciliation result.
func IncSyncOutcome(kind, outcome string) {
	syncOutcomes.WithLabelValues(kind, outcome).Inc()
}

// ObserveSyncDuration records how long one reconciliation took.
func ObserveSyncDuration(kind string, d time.Duration) {
	syncDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// IncTask counts a finished dispatcher task.
func IncTask(task, status string) {
	tasksProcessed.WithLabelValues(task, status).Inc()
}

// IncLockContention counts a lock wait that expired.
func IncLockContention(kind string) {
	lockContention.WithLabelValues(kind).Inc()
}

// SetQueueDepth publishes the current dispatch queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
