// Package metrics exposes sync engine activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aman-CERP/searchsync/internal/dispatch"
	"github.com/Aman-CERP/searchsync/internal/gate"
	"github.com/Aman-CERP/searchsync/internal/rebuild"
)

const namespace = "searchsync"

// Collector implements dispatch.Hooks and rebuild.Observer.
type Collector struct {
	dispatch.NopHooks

	registry *prometheus.Registry

	batches        *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	bulkItems      *prometheus.CounterVec
	batchLatency   prometheus.Histogram
	rebuilds       *prometheus.CounterVec
	rebuildOps     *prometheus.CounterVec
	rebuildLatency *prometheus.HistogramVec
}

// Verify interface implementation at compile time
var (
	_ dispatch.Hooks   = (*Collector)(nil)
	_ rebuild.Observer = (*Collector)(nil)
)

// New creates a collector with its own registry, including Go runtime and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Task batches by outcome (dispatched, rejected, completed).",
		}, []string{"outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks processed by workers, by outcome.",
		}, []string{"outcome"}),
		bulkItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_items_total",
			Help:      "Incremental bulk items by status.",
		}, []string{"status"}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from a worker picking a batch up to its bulk completing.",
			Buckets:   prometheus.DefBuckets,
		}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebuilds_total",
			Help:      "Rebuilds by type and status.",
		}, []string{"type", "status"}),
		rebuildOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebuild_operations_total",
			Help:      "Index operations staged by rebuilds.",
		}, []string{"type", "op"}),
		rebuildLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of one type's rebuild.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"type"}),
	}

	c.registry.MustRegister(
		c.batches,
		c.tasks,
		c.bulkItems,
		c.batchLatency,
		c.rebuilds,
		c.rebuildOps,
		c.rebuildLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WatchGate exports a gate's live counters.
func (c *Collector) WatchGate(g *gate.Gate) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_running",
			Help:      "Bulk operations in flight.",
		}, func() float64 { return float64(g.Running()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_max_running",
			Help:      "Bound on bulk operations in flight.",
		}, func() float64 { return float64(g.MaxRunning()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_completed_total",
			Help:      "Bulk operations completed through the gate.",
		}, func() float64 { return float64(g.Snapshot().Completed) }),
	)
}

// AfterBatch implements dispatch.Hooks.
func (c *Collector) AfterBatch(dispatch.BatchInfo) {
	c.batches.WithLabelValues("dispatched").Inc()
}

// BatchCompleted implements dispatch.Hooks.
func (c *Collector) BatchCompleted(r dispatch.BatchReport) {
	c.batches.WithLabelValues("completed").Inc()
	c.tasks.WithLabelValues("resolved").Add(float64(r.Tasks - r.Unresolved))
	c.tasks.WithLabelValues("unresolved").Add(float64(r.Unresolved))
	c.bulkItems.WithLabelValues("succeeded").Add(float64(r.Succeeded))
	c.bulkItems.WithLabelValues("failed").Add(float64(r.Failed - r.Unresolved))
	c.batchLatency.Observe(r.Elapsed.Seconds())
}

// BatchRejected implements dispatch.Hooks.
func (c *Collector) BatchRejected(dispatch.BatchInfo) {
	c.batches.WithLabelValues("rejected").Inc()
}

// RebuildCompleted implements rebuild.Observer.
func (c *Collector) RebuildCompleted(r *rebuild.Report, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.rebuilds.WithLabelValues(r.Type, status).Inc()
	c.rebuildOps.WithLabelValues(r.Type, "index").Add(float64(r.Indexed))
	c.rebuildOps.WithLabelValues(r.Type, "update").Add(float64(r.Updated))
	c.rebuildOps.WithLabelValues(r.Type, "delete").Add(float64(r.Deleted))
	c.rebuildLatency.WithLabelValues(r.Type).Observe(r.Elapsed.Seconds())
}
