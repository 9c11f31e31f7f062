// Package metrics exposes Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metric names.
const (
	MetricEventsTotal        = "relay_webhook_events_total"
	MetricJobsTotal          = "relay_jobs_total"
	MetricJobDurationSeconds = "relay_job_duration_seconds"
	MetricQueueDepth         = "relay_queue_depth"
	MetricCircuits           = "relay_circuits"
	MetricTenantQueueLen     = "relay_ratepool_queue_len"
	MetricTenantThrottled    = "relay_ratepool_throttled"
	MetricIdempotencyDegrade = "relay_idempotency_degraded"
)

// Job outcome label values.
const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeSkipped    = "skipped"
)

// Metrics holds the relay's Prometheus instruments on a private
// registry, so the scrape surface stays limited to what the relay
// itself publishes.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	jobsTotal          *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec
	circuits           *prometheus.GaugeVec
	tenantQueueLen     *prometheus.GaugeVec
	tenantThrottled    *prometheus.GaugeVec
	idempotencyDegrade prometheus.Gauge
}

// New creates the metric instruments and registers them.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEventsTotal,
			Help: "Webhook deliveries by intake status",
		}, []string{"topic", "status"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobsTotal,
			Help: "Processed jobs by outcome",
		}, []string{"topic", "outcome"}),
		jobDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricJobDurationSeconds,
			Help:    "Handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricQueueDepth,
			Help: "Jobs currently in each queue status",
		}, []string{"status"}),
		circuits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricCircuits,
			Help: "Tracked circuits by state",
		}, []string{"state"}),
		tenantQueueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricTenantQueueLen,
			Help: "Calls waiting in each tenant's rate pool",
		}, []string{"tenant"}),
		tenantThrottled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricTenantThrottled,
			Help: "1 when the tenant is throttled",
		}, []string{"tenant"}),
		idempotencyDegrade: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricIdempotencyDegrade,
			Help: "1 while the idempotency store serves from its fallback",
		}),
	}

	m.registry.MustRegister(
		m.eventsTotal,
		m.jobsTotal,
		m.jobDurationSeconds,
		m.queueDepth,
		m.circuits,
		m.tenantQueueLen,
		m.tenantThrottled,
		m.idempotencyDegrade,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncEvent counts one webhook delivery.
func (m *Metrics) IncEvent(topic, status string) {
	m.eventsTotal.WithLabelValues(topic, status).Inc()
}

// ObserveJob counts one processed job and its handler duration.
func (m *Metrics) ObserveJob(topic, outcome string, duration time.Duration) {
	m.jobsTotal.WithLabelValues(topic, outcome).Inc()
	m.jobDurationSeconds.WithLabelValues(topic).Observe(duration.Seconds())
}

// SetQueueDepth records the job count for one status.
func (m *Metrics) SetQueueDepth(status string, n int64) {
	m.queueDepth.WithLabelValues(status).Set(float64(n))
}

// SetCircuits records how many circuits sit in a state.
func (m *Metrics) SetCircuits(state string, n int) {
	m.circuits.WithLabelValues(state).Set(float64(n))
}

// SetTenantPool records a tenant's rate pool queue length and throttle
// flag.
func (m *Metrics) SetTenantPool(tenant string, queueLen int, throttled bool) {
	m.tenantQueueLen.WithLabelValues(tenant).Set(float64(queueLen))
	v := 0.0
	if throttled {
		v = 1.0
	}
	m.tenantThrottled.WithLabelValues(tenant).Set(v)
}

// SetIdempotencyDegraded records the idempotency store's degraded flag.
func (m *Metrics) SetIdempotencyDegraded(degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.idempotencyDegrade.Set(v)
}
