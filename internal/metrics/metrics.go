package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"regionkv/internal/putall"
)

const namespace = "regionkv"

// Batch outcomes.
const (
	BatchComplete = "complete"
	BatchPartial  = "partial"
	BatchFatal    = "fatal"
)

// Key outcomes seen by the coordinator.
const (
	KeyApplied     = "applied"
	KeyLowMemory   = "low_memory"
	KeyUnavailable = "unavailable"
	KeyUnknown     = "unknown"
	KeyFailed      = "failed"
)

// Send phases.
const (
	PhaseMint      = "mint"
	PhaseReplicate = "replicate"
)

// Metrics is one member's set of collectors, registered on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	batches     *prometheus.CounterVec
	keys        *prometheus.CounterVec
	retries     prometheus.Counter
	sendLatency *prometheus.HistogramVec
	applied     *prometheus.CounterVec
	critical    prometheus.Gauge
}

// New creates and registers the collectors. Go runtime collectors are
// included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "batches_total",
			Help:      "Put-all batches coordinated, by outcome.",
		}, []string{"region", "outcome"}),
		keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "keys_total",
			Help:      "Keys of coordinated batches, by outcome.",
		}, []string{"region", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "retries_total",
			Help:      "Sends moved to another owner after a failure.",
		}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "send_seconds",
			Help:      "Round trip of one sub-batch send.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"phase"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "region",
			Name:      "entries_total",
			Help:      "Entries applied by this member, by status.",
		}, []string{"region", "status"}),
		critical: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "critical",
			Help:      "1 while this member refuses writes for lack of memory.",
		}),
	}
	m.registry.MustRegister(
		m.batches, m.keys, m.retries, m.sendLatency, m.applied, m.critical,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Batch(region, outcome string) {
	m.batches.WithLabelValues(region, outcome).Inc()
}

func (m *Metrics) Keys(region, outcome string, n int) {
	if n > 0 {
		m.keys.WithLabelValues(region, outcome).Add(float64(n))
	}
}

func (m *Metrics) Retry() { m.retries.Inc() }

// ObserveSend records a send that started at start.
func (m *Metrics) ObserveSend(phase string, start time.Time) {
	m.sendLatency.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// ApplyObserver returns a function counting entry outcomes of region.
func (m *Metrics) ApplyObserver(region string) func(putall.Status) {
	return func(s putall.Status) {
		m.applied.WithLabelValues(region, s.String()).Inc()
	}
}

// SetCritical records the local memory state.
func (m *Metrics) SetCritical(critical bool) {
	if critical {
		m.critical.Set(1)
	} else {
		m.critical.Set(0)
	}
}
