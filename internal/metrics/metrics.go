package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/miniblog-server/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// regeneration cache metrics
	cacheGetsTotal      *prometheus.CounterVec
	cacheRenderDur      *prometheus.HistogramVec
	cacheSharedTotal    prometheus.Counter
	cacheDiscardsTotal  prometheus.Counter
	cacheEvictionsTotal prometheus.Counter

	// mutation pipeline metrics
	mutationsTotal   *prometheus.CounterVec
	cacheFaultsTotal prometheus.Counter
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		cacheGetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regencache_gets_total",
			Help: "Total cache reads by entry state at serve time",
		}, []string{"state"}),
		cacheRenderDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regencache_render_duration_seconds",
			Help:    "Render duration by outcome",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		cacheSharedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regencache_shared_results_total",
			Help: "Total reads that joined an in-flight render instead of starting one",
		}),
		cacheDiscardsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regencache_discards_total",
			Help: "Total render results discarded for violating a generation floor or ordering",
		}),
		cacheEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regencache_evictions_total",
			Help: "Total idle entries evicted",
		}),
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blog_mutations_total",
			Help: "Total mutation requests by operation, outcome stage, and error kind",
		}, []string{"op", "stage", "kind"}),
		cacheFaultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blog_cache_faults_total",
			Help: "Total invalidation faults swallowed by the mutation pipeline",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.cacheGetsTotal,
		m.cacheRenderDur,
		m.cacheSharedTotal,
		m.cacheDiscardsTotal,
		m.cacheEvictionsTotal,
		m.mutationsTotal,
		m.cacheFaultsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncCacheGet(state string) {
	m.cacheGetsTotal.WithLabelValues(state).Inc()
}

func (m *ServerMetrics) ObserveRender(outcome string, seconds float64) {
	m.cacheRenderDur.WithLabelValues(outcome).Observe(seconds)
}

func (m *ServerMetrics) IncCacheShared() {
	m.cacheSharedTotal.Inc()
}

func (m *ServerMetrics) IncCacheDiscard() {
	m.cacheDiscardsTotal.Inc()
}

func (m *ServerMetrics) IncCacheEviction() {
	m.cacheEvictionsTotal.Inc()
}

// AddCacheEvictions records a sweep that removed n idle entries at once.
func (m *ServerMetrics) AddCacheEvictions(n int) {
	m.cacheEvictionsTotal.Add(float64(n))
}

func (m *ServerMetrics) IncMutation(op, stage, kind string) {
	m.mutationsTotal.WithLabelValues(op, stage, kind).Inc()
}

func (m *ServerMetrics) IncCacheFault() {
	m.cacheFaultsTotal.Inc()
}
