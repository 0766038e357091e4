// Package metrics exposes Prometheus instrumentation for a redgrapes
// runtime: the out-of-scope "logging/formatting" collaborator the spec
// mentions, given a concrete (swappable) Prometheus implementation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every redgrapes runtime metric. The zero value is
// not usable; construct with New.
type Collector struct {
	ReadyQueueDepth prometheus.Gauge
	ActiveWorkers   prometheus.Gauge
	TasksCompleted  prometheus.Counter
	TasksFailed     prometheus.Counter
	TasksRetried    prometheus.Counter
	TaskDuration    prometheus.Histogram
	YieldCount      prometheus.Histogram

	registry *prometheus.Registry
}

// New constructs a Collector registered on a private registry, so
// multiple Runtime instances in the same process don't collide on
// Prometheus's default global registry.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		ReadyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ready_queue_depth",
			Help: "Number of tasks currently in the FIFO ready queue.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_workers",
			Help: "Number of tasks in the running set, executing or suspended on a yield.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_completed_total",
			Help: "Tasks whose post-event has been reached.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_failed_total",
			Help: "Tasks whose body raised a fault.",
		}),
		TasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_retried_total",
			Help: "Task body invocations retried after a classified-transient fault.",
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Wall-clock time from first invoke to completion, including time spent suspended.",
			Buckets: prometheus.DefBuckets,
		}),
		YieldCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_yield_count",
			Help:    "Number of times a completed task yielded before finishing.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		registry: reg,
	}
	reg.MustRegister(
		c.ReadyQueueDepth, c.ActiveWorkers, c.TasksCompleted,
		c.TasksFailed, c.TasksRetried, c.TaskDuration, c.YieldCount,
	)
	return c
}

// Handler returns an http.Handler exposing the collector's registry in
// the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveTask records one completed task's total body wall-time and
// how many times it yielded before finishing.
func (c *Collector) ObserveTask(d time.Duration, yields int) {
	c.TasksCompleted.Inc()
	c.TaskDuration.Observe(d.Seconds())
	c.YieldCount.Observe(float64(yields))
}

// ObserveFault records a task body fault.
func (c *Collector) ObserveFault() { c.TasksFailed.Inc() }

// ObserveRetry records a task body invocation being retried after a
// classified-transient fault.
func (c *Collector) ObserveRetry() { c.TasksRetried.Inc() }
