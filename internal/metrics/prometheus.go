// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// UsageLogStats is the counter view of the asynchronous usage log.
type UsageLogStats interface {
	Dropped() int64
	Failed() int64
	Written() int64
}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// router_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// router_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// router_latency_ms_total{provider}, sum of latency in ms
	latencyTotal *prometheus.CounterVec

	// router_request_duration_seconds{provider,stream}
	requestDuration *prometheus.HistogramVec

	// router_request_errors_total{kind}
	requestErrors *prometheus.CounterVec

	// router_routing_decisions_total{strategy,result}
	routingDecisions *prometheus.CounterVec

	// router_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// router_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// router_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// router_circuit_breaker_state{provider}, 0=closed 1=open 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// router_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// router_circuit_breaker_rejections_total{provider,state}
	cbRejections *prometheus.CounterVec

	// router_failover_events_total{primary,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// router_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec

	// router_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// router_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// router_idempotency_operations_total{op,result}
	idempotencyOps *prometheus.CounterVec

	// router_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// router_cost_micros_total{provider,currency}
	costMicros *prometheus.CounterVec

	// router_provider_health{provider}, 1=healthy 0.5=degraded 0=unhealthy
	providerHealth *prometheus.GaugeVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes routing + upstream)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_requests_total",
				Help: "Total number of routed chat requests by serving provider",
			},
			[]string{"provider", "status"},
		),

		latencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_latency_ms_total",
				Help: "Sum of latency in ms (compute avg externally)",
			},
			[]string{"provider"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_request_duration_seconds",
				Help:    "End-to-end chat request duration in seconds by serving provider",
				Buckets: latencyBuckets,
			},
			[]string{"provider", "stream"},
		),

		requestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_request_errors_total",
				Help: "Failed chat requests by error kind",
			},
			[]string{"kind"},
		),

		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_routing_decisions_total",
				Help: "Routing policy evaluations by strategy and result",
			},
			[]string{"strategy", "result"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes failovers)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"provider", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_rejections_total",
				Help: "Attempts rejected due to circuit breaker state",
			},
			[]string{"provider", "state"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_events_total",
				Help: "Failover events between providers (emitted when moving to the next candidate)",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_success_total",
				Help: "Successful failovers (request served by a fallback target)",
			},
			[]string{"primary", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_exhausted_total",
				Help: "Requests that exhausted the fallback cascade without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_ratelimit_total",
				Help: "Per-key rate limit decisions",
			},
			[]string{"result"},
		),

		idempotencyOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_idempotency_operations_total",
				Help: "Idempotency store operations by type and result",
			},
			[]string{"op", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		costMicros: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cost_micros_total",
				Help: "Computed request cost in micro units of the price book currency",
			},
			[]string{"provider", "currency"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_provider_health",
				Help: "Provider health status (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
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
		r.latencyTotal,
		r.requestDuration,
		r.requestErrors,
		r.routingDecisions,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.idempotencyOps,
		r.tokensTotal,
		r.costMicros,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) RecordRequest(provider string, statusCode int, latencyMs int64) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	r.latencyTotal.WithLabelValues(provider).Add(float64(latencyMs))
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

// ObserveChatRequest records the duration of a served chat request.
func (r *Registry) ObserveChatRequest(provider string, stream bool, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, strconv.FormatBool(stream)).Observe(dur.Seconds())
}

// RecordRequestError counts a failed chat request by its error kind.
func (r *Registry) RecordRequestError(kind string) {
	r.requestErrors.WithLabelValues(kind).Inc()
}

// RecordRoutingDecision counts one policy evaluation. result is "routed",
// "no_policy" or "no_route".
func (r *Registry) RecordRoutingDecision(strategy, result string) {
	if strategy == "" {
		strategy = "none"
	}
	r.routingDecisions.WithLabelValues(strategy, result).Inc()
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(primary, from, to, reason string) {
	r.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// RecordIdempotency counts an idempotency store operation. op is "claim"
// or "complete".
func (r *Registry) RecordIdempotency(op, result string) {
	r.idempotencyOps.WithLabelValues(op, result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "total").Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) AddCost(provider, currency string, micros int64) {
	if micros <= 0 {
		return
	}
	r.costMicros.WithLabelValues(provider, currency).Add(float64(micros))
}

// SetProviderHealth records a provider's health status by name.
func (r *Registry) SetProviderHealth(provider, status string) {
	v := 0.0
	switch status {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	r.cbRejections.WithLabelValues(provider, state).Inc()
}

// TrackUsageLog exports the usage log counters. It must be called at most
// once per registry.
func (r *Registry) TrackUsageLog(s UsageLogStats) {
	r.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "router_usage_log_dropped_total",
			Help: "Usage log entries dropped because the buffer was full",
		}, func() float64 { return float64(s.Dropped()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "router_usage_log_failed_total",
			Help: "Usage log entries lost to sink write failures",
		}, func() float64 { return float64(s.Failed()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "router_usage_log_written_total",
			Help: "Usage log entries written to the sink",
		}, func() float64 { return float64(s.Written()) }),
	)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
