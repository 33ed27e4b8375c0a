package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every Prometheus series the engine exports. All recording
// methods are safe on a nil *Collector so packages can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	TransitionsTotal    *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec

	SweepRunsTotal     *prometheus.CounterVec
	SweepAffectedTotal *prometheus.CounterVec
	SweepDuration      *prometheus.HistogramVec

	AuditEntriesTotal  prometheus.Counter
	AuditBufferDropped prometheus.Counter

	InventoryFailuresTotal prometheus.Counter
	EventsPublishedTotal   *prometheus.CounterVec

	QueueDepth *prometheus.GaugeVec
}

func NewCollector(serviceName string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Committed status transitions by entity and target status.",
		}, []string{"entity", "from", "to"}),

		TransitionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "workflow",
			Name:      "transitions_rejected_total",
			Help:      "Rejected transitions by entity and reason (invalid or stale).",
		}, []string{"entity", "reason"}),

		SweepRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Sweep executions by sweeper and outcome.",
		}, []string{"sweeper", "outcome"}),

		SweepAffectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "sweeper",
			Name:      "affected_total",
			Help:      "Records moved by sweeps.",
		}, []string{"sweeper"}),

		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "sweeper",
			Name:      "duration_seconds",
			Help:      "Time taken by one sweep pass.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"sweeper"}),

		AuditEntriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Total audit entries delivered to the sink.",
		}),

		AuditBufferDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "audit",
			Name:      "buffer_dropped_total",
			Help:      "Audit entries dropped due to full buffer. Alert if non-zero.",
		}),

		InventoryFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "inventory",
			Name:      "decrement_failures_total",
			Help:      "Stock decrements that failed after a visit was completed.",
		}),

		EventsPublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Change notifications published by entity.",
		}, []string{"entity"}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "queue",
			Name:      "sessions",
			Help:      "Sessions per status as of the last projection read.",
		}, []string{"status"}),
	}
}

// Handler exposes the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Transition(entity, from, to string) {
	if c == nil {
		return
	}
	c.TransitionsTotal.WithLabelValues(entity, from, to).Inc()
}

func (c *Collector) Rejected(entity string, stale bool) {
	if c == nil {
		return
	}
	reason := "invalid"
	if stale {
		reason = "stale"
	}
	c.TransitionsRejected.WithLabelValues(entity, reason).Inc()
}

func (c *Collector) Sweep(name string, affected int, took time.Duration, err error) {
	if c == nil {
		return
	}
	c.SweepDuration.WithLabelValues(name).Observe(took.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.SweepRunsTotal.WithLabelValues(name, outcome).Inc()
	if affected > 0 {
		c.SweepAffectedTotal.WithLabelValues(name).Add(float64(affected))
	}
}

func (c *Collector) AuditDelivered() {
	if c == nil {
		return
	}
	c.AuditEntriesTotal.Inc()
}

func (c *Collector) AuditDropped() {
	if c == nil {
		return
	}
	c.AuditBufferDropped.Inc()
}

func (c *Collector) InventoryFailure() {
	if c == nil {
		return
	}
	c.InventoryFailuresTotal.Inc()
}

func (c *Collector) Published(entity string) {
	if c == nil {
		return
	}
	c.EventsPublishedTotal.WithLabelValues(entity).Inc()
}

// Queue records the per-status counts seen by the latest projection.
func (c *Collector) Queue(counts map[string]int) {
	if c == nil {
		return
	}
	for status, n := range counts {
		c.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}
