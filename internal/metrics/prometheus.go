// Package metrics provides a Prometheus metrics registry for the gateway.
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

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_requests_total{model,status}
	requestsTotal *prometheus.CounterVec

	// gateway_upstream_attempts_total{provider,model,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,model,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_candidate_rotations_total
	rotations prometheus.Counter

	// gateway_tokens_total{provider,model,kind}
	tokensTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// provider_errors_total{provider, error_type}
	providerErrors *prometheus.CounterVec

	// gateway_build_info{version}
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
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes all candidate attempts)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of chat-completions requests by gateway model and outcome status",
			},
			[]string{"model", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts, one per candidate try including retries (a sub-provider fallback ladder counts once)",
			},
			[]string{"provider", "model", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "model", "outcome"},
		),

		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_candidate_rotations_total",
			Help: "Total rotation-based candidate-list rotations performed by the RotationStore",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "model", "kind"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=last attempt succeeded, 0=last attempt failed)",
			},
			[]string{"provider"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by outcome kind",
			},
			[]string{"provider", "error_type"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.requestsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.rotations,
		r.tokensTotal,
		r.providerHealth,
		r.providerErrors,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveGatewayRequest records the final outcome of one chat-completions
// request, after all candidate/retry/sub-provider attempts are exhausted.
func (r *Registry) ObserveGatewayRequest(model, status string) {
	r.requestsTotal.WithLabelValues(model, status).Inc()
}

// ObserveUpstreamAttempt records one try of a candidate (initial or retry).
// In sub-provider fallback mode one observation covers every sub-provider
// tried in that try.
func (r *Registry) ObserveUpstreamAttempt(provider, model, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, model, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, model, outcome).Observe(dur.Seconds())
}

// RecordRotation records one RotationStore.NextIndex call that produced a
// non-zero rotation offset.
func (r *Registry) RecordRotation() {
	r.rotations.Inc()
}

func (r *Registry) AddTokens(provider, model string, promptTokens, completionTokens, totalTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
	if totalTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "total").Add(float64(totalTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
