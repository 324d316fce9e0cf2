package parallel

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for the task coordinator.
type Metrics struct {
	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	FallbacksTotal  prometheus.Counter
	InFlight        prometheus.Gauge
	ParallelSpeedup prometheus.Gauge
	BatchItemsTotal *prometheus.CounterVec
}

// NewMetrics registers the collectors once per process and returns them.
//
// Metrics:
//   - parallel_tasks_total{task,status}
//   - parallel_task_duration_seconds{task}
//   - parallel_quality_fallbacks_total
//   - parallel_tasks_in_flight
//   - parallel_speedup_ratio
//   - parallel_batch_items_total{status}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parallel_tasks_total",
					Help: "Analysis tasks run by the parallel coordinator",
				},
				[]string{"task", "status"}, // status: ok, failed, timeout
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parallel_task_duration_seconds",
					Help:    "Duration of analysis tasks in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
				},
				[]string{"task"},
			),
			FallbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parallel_quality_fallbacks_total",
				Help: "Synchronous quality analysis re-runs after a parallel failure",
			}),
			InFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "parallel_tasks_in_flight",
				Help: "Analysis tasks currently holding a semaphore slot",
			}),
			ParallelSpeedup: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "parallel_speedup_ratio",
				Help: "Average summed task time divided by wall time",
			}),
			BatchItemsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parallel_batch_items_total",
					Help: "Batch items processed",
				},
				[]string{"status"}, // indexed, index_failed
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordTask(task, status string, seconds float64) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(task, status).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(seconds)
}

func (m *Metrics) recordFallback() {
	if m == nil {
		return
	}
	m.FallbacksTotal.Inc()
}

func (m *Metrics) inFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}

func (m *Metrics) setSpeedup(v float64) {
	if m == nil {
		return
	}
	m.ParallelSpeedup.Set(v)
}

func (m *Metrics) recordBatchItem(status string) {
	if m == nil {
		return
	}
	m.BatchItemsTotal.WithLabelValues(status).Inc()
}
