// Package metrics exposes Prometheus instrumentation for the analysis
// pipeline and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/heron/internal/domain"
)

const namespace = "heron"

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	analyses         *prometheus.CounterVec
	findings         *prometheus.CounterVec
	waived           prometheus.Counter
	analysisDuration prometheus.Histogram
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	quotaRejections  prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates and registers every collector. Go runtime and process
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Analyses processed by outcome.",
		}, []string{"outcome"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings reported by severity.",
		}, []string{"severity"}),
		waived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_waived_total",
			Help:      "Findings removed from reports by waivers.",
		}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Engine analysis latency.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Analysis results served from cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Analysis results computed because the cache missed.",
		}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Analyses rejected by the tenant quota.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.analyses,
		m.findings,
		m.waived,
		m.analysisDuration,
		m.cacheHits,
		m.cacheMisses,
		m.quotaRejections,
		m.httpRequests,
		m.httpDuration,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAnalysis records one completed analysis.
func (m *Metrics) ObserveAnalysis(d time.Duration, findings []domain.Finding, waived int) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues("ok").Inc()
	m.analysisDuration.Observe(d.Seconds())
	for _, f := range findings {
		m.findings.WithLabelValues(string(f.Severity)).Inc()
	}
	if waived > 0 {
		m.waived.Add(float64(waived))
	}
}

// AnalysisFailed records an analysis that did not produce a report.
func (m *Metrics) AnalysisFailed() {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues("error").Inc()
}

// CacheHit records a cached result.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss records a computed result.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// QuotaRejected records an analysis refused by the quota.
func (m *Metrics) QuotaRejected() {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues("rejected").Inc()
	m.quotaRejections.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Middleware counts requests and their latency. route names the request
// for labelling; it receives the request after the handler ran so routers
// can expose their matched pattern.
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r)

			name := route(r)
			m.httpRequests.WithLabelValues(name, r.Method, strconv.Itoa(rec.status)).Inc()
			m.httpDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		})
	}
}
