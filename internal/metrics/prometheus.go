// Package metrics provides a Prometheus metrics registry for the chat gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// chatgw_inflight_requests
	inFlight prometheus.Gauge

	// chatgw_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// chatgw_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// chatgw_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// chatgw_upstream_requests_total{router,outcome}
	upstreamTotal *prometheus.CounterVec

	// chatgw_upstream_duration_seconds{router,outcome}
	upstreamDuration *prometheus.HistogramVec

	// chatgw_backend_responses_total{backend,cache} — cache is hit|miss|unknown
	backendResponses *prometheus.CounterVec

	// chatgw_tokens_total{backend,direction}
	tokensTotal *prometheus.CounterVec

	// chatgw_store_errors_total{op}
	storeErrors *prometheus.CounterVec

	// chatgw_store_up — 1 when the last readiness probe reached the store
	storeUp prometheus.Gauge

	// chatgw_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// chatgw_build_info{version,router}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatgw_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgw_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes store and upstream)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgw_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		upstreamTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_upstream_requests_total",
				Help: "Upstream completion calls by router and outcome",
			},
			[]string{"router", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgw_upstream_duration_seconds",
				Help:    "Upstream completion call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"router", "outcome"},
		),

		backendResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_backend_responses_total",
				Help: "Successful completions by serving backend and semantic cache status",
			},
			[]string{"backend", "cache"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"backend", "direction"},
		),

		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_store_errors_total",
				Help: "History/stats store operations that failed",
			},
			[]string{"op"},
		),

		storeUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatgw_store_up",
			Help: "Store reachability from the last probe (1=ok, 0=down)",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatgw_build_info",
				Help: "Build information",
			},
			[]string{"version", "router"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.upstreamTotal,
		r.upstreamDuration,
		r.backendResponses,
		r.tokensTotal,
		r.storeErrors,
		r.storeUp,
		r.rateLimitTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveUpstream records one upstream completion call.
func (r *Registry) ObserveUpstream(router, outcome string, dur time.Duration) {
	r.upstreamTotal.WithLabelValues(router, outcome).Inc()
	r.upstreamDuration.WithLabelValues(router, outcome).Observe(dur.Seconds())
}

// RecordCompletion counts a successful completion against the backend that
// served it.
func (r *Registry) RecordCompletion(backend string, promptTokens, completionTokens int64, cache string) {
	r.backendResponses.WithLabelValues(backend, cache).Inc()
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "completion").Add(float64(completionTokens))
	}
}

func (r *Registry) RecordStoreError(op string) {
	r.storeErrors.WithLabelValues(op).Inc()
}

func (r *Registry) SetStoreUp(ok bool) {
	if ok {
		r.storeUp.Set(1)
		return
	}
	r.storeUp.Set(0)
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version, router string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version, router).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
