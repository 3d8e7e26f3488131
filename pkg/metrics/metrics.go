// Package metrics exposes the worker's counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	sessionSubsystem = "session"
	poolSubsystem    = "pool"
	ifaceSubsystem   = "interface"
)

// Session kinds passed to SessionCreated.
const (
	KindComplete   = "complete"
	KindIncomplete = "incomplete"
)

// MetricsAPI is the set of events the data plane reports.
type MetricsAPI interface {
	SessionCreated(kind string)
	SessionDeleted()
	SessionStaleReuse()
	SessionBufferDrop()
	PoolEntriesChanged(delta int)
	InterfacesChanged(delta int)
	// SessionCount installs a callback sampled when the session gauge is
	// collected.
	SessionCount(fn func() int)
}

type prometheusMetrics struct {
	registry        *prometheus.Registry
	SessionsCreated *prometheus.CounterVec
	SessionsDeleted prometheus.Counter
	StaleReuses     prometheus.Counter
	BufferDrops     prometheus.Counter
	PoolEntries     prometheus.Gauge
	Interfaces      prometheus.Gauge
	sessionCount    func() int
}

// NewPrometheusMetrics returns a MetricsAPI backed by Prometheus metrics
// registered on registry.
func NewPrometheusMetrics(namespace string, registry *prometheus.Registry) *prometheusMetrics {
	m := &prometheusMetrics{
		registry: registry,
	}

	m.SessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: sessionSubsystem,
		Name:      "created_total",
		Help:      "Number of sessions created by kind { complete | incomplete }",
	}, []string{"kind"})

	m.SessionsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: sessionSubsystem,
		Name:      "deleted_total",
		Help:      "Number of sessions deleted by the control plane",
	})

	m.StaleReuses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: sessionSubsystem,
		Name:      "stale_reuses_total",
		Help:      "Number of idle sessions evicted to make room for a new one",
	})

	m.BufferDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: sessionSubsystem,
		Name:      "buffer_drops_total",
		Help:      "Number of pending packets replaced by a newer packet",
	})

	m.PoolEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: poolSubsystem,
		Name:      "entries",
		Help:      "Number of configured mapper pool entries",
	})

	m.Interfaces = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: ifaceSubsystem,
		Name:      "enabled",
		Help:      "Number of interfaces with NAT enabled",
	})

	sessions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: sessionSubsystem,
		Name:      "active",
		Help:      "Number of sessions in the session table",
	}, func() float64 {
		if m.sessionCount == nil {
			return 0
		}
		return float64(m.sessionCount())
	})

	registry.MustRegister(m.SessionsCreated)
	registry.MustRegister(m.SessionsDeleted)
	registry.MustRegister(m.StaleReuses)
	registry.MustRegister(m.BufferDrops)
	registry.MustRegister(m.PoolEntries)
	registry.MustRegister(m.Interfaces)
	registry.MustRegister(sessions)

	return m
}

func (p *prometheusMetrics) SessionCreated(kind string) {
	p.SessionsCreated.WithLabelValues(kind).Inc()
}

func (p *prometheusMetrics) SessionDeleted() {
	p.SessionsDeleted.Inc()
}

func (p *prometheusMetrics) SessionStaleReuse() {
	p.StaleReuses.Inc()
}

func (p *prometheusMetrics) SessionBufferDrop() {
	p.BufferDrops.Inc()
}

func (p *prometheusMetrics) PoolEntriesChanged(delta int) {
	p.PoolEntries.Add(float64(delta))
}

func (p *prometheusMetrics) InterfacesChanged(delta int) {
	p.Interfaces.Add(float64(delta))
}

// SessionCount must be called before the registry is first scraped.
func (p *prometheusMetrics) SessionCount(fn func() int) {
	p.sessionCount = fn
}

type noOpMetrics struct{}

// NewNoOpMetrics returns a MetricsAPI that discards everything.
func NewNoOpMetrics() *noOpMetrics {
	return &noOpMetrics{}
}

func (m *noOpMetrics) SessionCreated(kind string)   {}
func (m *noOpMetrics) SessionDeleted()              {}
func (m *noOpMetrics) SessionStaleReuse()           {}
func (m *noOpMetrics) SessionBufferDrop()           {}
func (m *noOpMetrics) PoolEntriesChanged(delta int) {}
func (m *noOpMetrics) InterfacesChanged(delta int)  {}
func (m *noOpMetrics) SessionCount(fn func() int)   {}
