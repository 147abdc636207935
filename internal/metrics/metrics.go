// Package metrics holds the Prometheus metrics for the orchestrator.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the container lifecycle
// orchestrator.
type Metrics struct {
	// Task engine
	TasksTotal       *prometheus.CounterVec
	TaskState        *prometheus.GaugeVec
	TaskDuration     *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge
	TaskRetries      *prometheus.CounterVec

	// Pipeline
	PipelineStepDuration *prometheus.HistogramVec
	PipelineFailures     *prometheus.CounterVec

	// Container engine
	ContainerOps     *prometheus.CounterVec
	ContainerOpErrs  *prometheus.CounterVec
	ImageBuildSecs   prometheus.Histogram

	// Proxy
	ProxyReloads      *prometheus.CounterVec
	ProxyFragmentsCur prometheus.Gauge

	// Reconciler
	ReconcileDrift  *prometheus.GaugeVec
	ReconcileRuns   prometheus.Counter

	// System
	DatabaseConnections prometheus.Gauge
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// New creates and registers all Prometheus metrics, once per process.
func New() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			TasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "streamhost_tasks_total",
					Help: "Total number of tasks enqueued, by kind and result",
				},
				[]string{"kind", "result"},
			),
			TaskState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "streamhost_task_state",
					Help: "Number of tasks currently in each state",
				},
				[]string{"kind", "state"},
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "streamhost_task_duration_seconds",
					Help:    "Task execution duration in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12),
				},
				[]string{"kind", "result"},
			),
			QueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "streamhost_task_queue_depth",
					Help: "Number of tasks currently queued, pending dispatch",
				},
			),
			TaskRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "streamhost_task_retries_total",
					Help: "Total number of task retry attempts",
				},
				[]string{"kind"},
			),
			PipelineStepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "streamhost_pipeline_step_duration_seconds",
					Help:    "Duration of individual pipeline steps",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
				[]string{"pipeline", "step"},
			),
			PipelineFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "streamhost_pipeline_failures_total",
					Help: "Total number of pipeline step failures",
				},
				[]string{"pipeline", "step", "error_kind"},
			),
			ContainerOps: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "streamhost_container_ops_total",
					Help: "Total number of container engine operations",
				},
				[]string{"op"},
			),
			ContainerOpErrs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "streamhost_container_op_errors_total",
					Help: "Total number of failed container engine operations",
				},
				[]string{"op"},
			),
			ImageBuildSecs: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "streamhost_image_build_duration_seconds",
					Help:    "Image build duration in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12),
				},
			),
			ProxyReloads: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "streamhost_proxy_reloads_total",
					Help: "Total number of proxy reload attempts, by validity",
				},
				[]string{"valid"},
			),
			ProxyFragmentsCur: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "streamhost_proxy_fragments_current",
					Help: "Number of proxy fragments currently on disk",
				},
			),
			ReconcileDrift: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "streamhost_reconcile_drift",
					Help: "1 if the app's actual_status differs from its declared status",
				},
				[]string{"app_id"},
			),
			ReconcileRuns: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "streamhost_reconcile_runs_total",
					Help: "Total number of reconciliation passes",
				},
			),
			DatabaseConnections: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "streamhost_database_connections",
					Help: "Number of active database connections",
				},
			),
			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "streamhost_cache_hits_total",
					Help: "Total number of cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "streamhost_cache_misses_total",
					Help: "Total number of cache misses",
				},
			),
		}
	})

	return sharedMetrics
}

// RecordTaskTerminal records a task reaching a terminal state.
func (m *Metrics) RecordTaskTerminal(kind, result string, durationSecs float64) {
	m.TasksTotal.WithLabelValues(kind, result).Inc()
	m.TaskDuration.WithLabelValues(kind, result).Observe(durationSecs)
}

// RecordContainerOp records a container engine operation outcome.
func (m *Metrics) RecordContainerOp(op string, err error) {
	m.ContainerOps.WithLabelValues(op).Inc()
	if err != nil {
		m.ContainerOpErrs.WithLabelValues(op).Inc()
	}
}

// RecordProxyReload records a proxy reload attempt's validity.
func (m *Metrics) RecordProxyReload(valid bool) {
	v := "false"
	if valid {
		v = "true"
	}
	m.ProxyReloads.WithLabelValues(v).Inc()
}
