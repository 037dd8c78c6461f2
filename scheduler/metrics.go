package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamePrefix = "reconciler_scheduler_"

type schedulerMetrics struct {
	tasks      *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth prometheus.Gauge
	dropped    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *schedulerMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &schedulerMetrics{
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "tasks_total",
			Help: "Finished tasks by name and result",
		}, []string{"task", "result"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "task_retries_total",
			Help: "Task attempts after the first one",
		}, []string{"task"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricNamePrefix + "task_duration_seconds",
			Help:    "Task duration including retries",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"task"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricNamePrefix + "queue_depth",
			Help: "Tasks waiting for a worker",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "tasks_dropped_total",
			Help: "Tasks rejected because they were already pending or the queue was full",
		}, []string{"task", "reason"}),
	}
}

func (m *schedulerMetrics) finished(task, result string, seconds float64) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(task, result).Inc()
	m.duration.WithLabelValues(task).Observe(seconds)
}

func (m *schedulerMetrics) retried(task string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(task).Inc()
}

func (m *schedulerMetrics) drop(task, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(task, reason).Inc()
}

func (m *schedulerMetrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
