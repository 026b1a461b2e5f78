package sheetgate

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	fetches       *prometheus.CounterVec
	decodes       *prometheus.CounterVec
	diagnostics   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	remoteLatency *prometheus.HistogramVec
	cacheEntries  prometheus.GaugeFunc
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetgate",
		Name:      "fetch_batches_total",
		Help:      "Batch fetches by source and the tier that served them",
	}, []string{"source", "served_from"})
	m.decodes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetgate",
		Name:      "decode_runs_total",
		Help:      "Record codec runs over a full entity range",
	}, []string{"entity"})
	m.diagnostics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetgate",
		Name:      "diagnostics_total",
		Help:      "Rows dropped or fields skipped while decoding",
	}, []string{"entity", "kind"})
	m.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetgate",
		Name:      "remote_retries_total",
		Help:      "Retried remote calls by operation",
	}, []string{"op"})
	m.mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetgate",
		Name:      "mutations_total",
		Help:      "Create, update and delete calls by outcome",
	}, []string{"op", "outcome"})
	m.remoteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sheetgate",
		Name:      "remote_call_duration_seconds",
		Help:      "Latency of single remote store attempts",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	m.registry.MustRegister(
		m.fetches, m.decodes, m.diagnostics,
		m.retries, m.mutations, m.remoteLatency,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observeCacheSize exports the volatile cache size as a gauge.
func (m *Metrics) observeCacheSize(cache *VolatileCache) {
	if m == nil || cache == nil || m.cacheEntries != nil {
		return
	}
	m.cacheEntries = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sheetgate",
		Name:      "volatile_cache_entries",
		Help:      "Entries currently held by the volatile cache",
	}, func() float64 { return float64(cache.Len()) })
	m.registry.MustRegister(m.cacheEntries)
}

func (m *Metrics) fetch(source string, servedFrom ServedFrom) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(source, string(servedFrom)).Inc()
}

func (m *Metrics) decode(entity string) {
	if m == nil {
		return
	}
	m.decodes.WithLabelValues(entity).Inc()
}

func (m *Metrics) diagnostic(d Diagnostic) {
	if m == nil {
		return
	}
	m.diagnostics.WithLabelValues(d.Entity, string(d.Kind)).Inc()
}

func (m *Metrics) retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) mutation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) remoteCall(op string, started time.Time) {
	if m == nil {
		return
	}
	m.remoteLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
