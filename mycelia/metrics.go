package mycelia

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes scheduler and executor behavior to Prometheus, grounded on
// the teacher's PrometheusMetrics (graph/metrics.go), relabeled to Mycelia's
// domain: ready-queue depth and inflight executors replace queue_depth /
// inflight_nodes, dedup hits and dependency-failure fanout are new counters
// this domain's structural sharing and eager-failure propagation need,
// redeliveries and backoff events replace the teacher's retry counter.
type Metrics struct {
	inflightExecutors prometheus.Gauge
	readyQueueDepth   prometheus.Gauge

	callLatency *prometheus.HistogramVec

	dedupHits          prometheus.Counter
	dependencyFailures prometheus.Counter
	redeliveries       prometheus.Counter
	backoffEvents      prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers Mycelia's metrics with registry (use
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		inflightExecutors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mycelia",
			Name:      "inflight_executors",
			Help:      "Number of calls currently RUNNING.",
		}),
		readyQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mycelia",
			Name:      "ready_queue_depth",
			Help:      "Number of READY calls waiting to be claimed.",
		}),
		callLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mycelia",
			Name:      "call_latency_ms",
			Help:      "Call execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_name", "status"}),
		dedupHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mycelia",
			Name:      "dedup_hits_total",
			Help:      "Times registering a call found an existing structurally-shared record.",
		}),
		dependencyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mycelia",
			Name:      "dependency_failures_total",
			Help:      "Times a call was failed eagerly because a dependency failed.",
		}),
		redeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mycelia",
			Name:      "broker_redeliveries_total",
			Help:      "Times a claimed call was redelivered after its visibility timeout expired.",
		}),
		backoffEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mycelia",
			Name:      "backoff_events_total",
			Help:      "Times an infrastructure error (broker/storage) triggered a retry backoff.",
		}),
	}
}

func (m *Metrics) RecordCallLatency(nodeName, status string, ms float64) {
	if !m.isEnabled() {
		return
	}
	m.callLatency.WithLabelValues(nodeName, status).Observe(ms)
}

func (m *Metrics) IncInflight()              { m.ifEnabled(func() { m.inflightExecutors.Inc() }) }
func (m *Metrics) DecInflight()              { m.ifEnabled(func() { m.inflightExecutors.Dec() }) }
func (m *Metrics) SetReadyQueueDepth(v int)   { m.ifEnabled(func() { m.readyQueueDepth.Set(float64(v)) }) }
func (m *Metrics) IncDedupHit()               { m.ifEnabled(func() { m.dedupHits.Inc() }) }
func (m *Metrics) IncDependencyFailure()      { m.ifEnabled(func() { m.dependencyFailures.Inc() }) }
func (m *Metrics) IncRedelivery()             { m.ifEnabled(func() { m.redeliveries.Inc() }) }
func (m *Metrics) IncBackoffEvent()           { m.ifEnabled(func() { m.backoffEvents.Inc() }) }

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Metrics) ifEnabled(f func()) {
	if m.isEnabled() {
		f()
	}
}

// Disable turns off recording without unregistering collectors, matching
// the teacher's Disable/Enable toggle for tests that want metrics objects
// present but inert.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
