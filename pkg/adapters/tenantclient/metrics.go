package tenantclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus series for the client factory.
// A nil *Metrics records nothing.
type Metrics struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	BuildsTotal     *prometheus.CounterVec
	BuildDuration   prometheus.Histogram
	Invalidations   *prometheus.CounterVec
	CachedClients   prometheus.Gauge
	ConnectionTests *prometheus.CounterVec
}

// NewMetrics registers the factory metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ekaya_vault",
			Subsystem: "client_factory",
			Name:      "cache_hits_total",
			Help:      "Total number of client lookups served from the cache.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ekaya_vault",
			Subsystem: "client_factory",
			Name:      "cache_misses_total",
			Help:      "Total number of client lookups that required a build.",
		}),
		BuildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_vault",
			Subsystem: "client_factory",
			Name:      "builds_total",
			Help:      "Total number of client builds by result.",
		}, []string{"result"}), // result: success, unavailable, credential_error, connect_error, stale
		BuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ekaya_vault",
			Subsystem: "client_factory",
			Name:      "build_duration_seconds",
			Help:      "Time spent resolving, decrypting and connecting a tenant client.",
			Buckets:   prometheus.DefBuckets,
		}),
		Invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_vault",
			Subsystem: "client_factory",
			Name:      "invalidations_total",
			Help:      "Total number of cache invalidations by scope.",
		}, []string{"scope"}), // scope: org, all, probe_failure
		CachedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ekaya_vault",
			Subsystem: "client_factory",
			Name:      "cached_clients",
			Help:      "Number of tenant clients currently cached.",
		}),
		ConnectionTests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_vault",
			Subsystem: "client_factory",
			Name:      "connection_tests_total",
			Help:      "Total number of connection tests by result.",
		}, []string{"result"}), // result: ok, failed
	}
}

func (m *Metrics) hit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) build(result string, started time.Time) {
	if m == nil {
		return
	}
	m.BuildsTotal.WithLabelValues(result).Inc()
	m.BuildDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) invalidated(scope string, n int) {
	if m != nil && n > 0 {
		m.Invalidations.WithLabelValues(scope).Add(float64(n))
	}
}

func (m *Metrics) cached(n int) {
	if m != nil {
		m.CachedClients.Set(float64(n))
	}
}

func (m *Metrics) tested(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.ConnectionTests.WithLabelValues(result).Inc()
}
