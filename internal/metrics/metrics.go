package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seclab"

// Metrics holds the Prometheus collectors shared by every ingress path.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	exchanges        *prometheus.CounterVec
	drops            *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	findings         *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers all collectors. pending, when non-nil, backs a gauge reporting
// the number of items awaiting an operator decision.
func New(pending func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Total number of exchanges handled, by ingress source and status.",
		}, []string{"source", "status"}),

		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Exchanges dropped by the operator, by stage.",
		}, []string{"stage"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Number of failed upstream dispatches.",
		}, []string{"source"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cert_cache_hits_total",
			Help:      "Number of leaf certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cert_cache_misses_total",
			Help:      "Number of leaf certificate cache misses.",
		}),

		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings recorded by plugins, by severity.",
		}, []string{"severity"}),

		registry: reg,
	}

	reg.MustRegister(
		m.exchanges,
		m.drops,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.findings,
	)

	if pending != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intercept_pending",
			Help:      "Number of held items awaiting a decision.",
		}, func() float64 { return float64(pending()) }))
	}

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordExchange counts a completed exchange. status 0 means no response was received.
func (m *Metrics) RecordExchange(source string, status int) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(source, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RecordDrop(stage string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordUpstreamError(source string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordTLSHandshakeError() {
	if m == nil {
		return
	}
	m.tlsHandshakeErrs.Inc()
}

func (m *Metrics) RecordFinding(severity string) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(severity).Inc()
}

// ObserveCertCache implements mitm.CacheObserver.
func (m *Metrics) ObserveCertCache(hit bool, size int) {
	if m == nil {
		return
	}
	if hit {
		m.certCacheHits.Inc()
	} else {
		m.certCacheMisses.Inc()
	}
	m.certCacheSize.Set(float64(size))
}
