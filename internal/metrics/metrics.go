// Package metrics exposes gateway observations without tying the core to an output stream.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tributary-ai/support-gateway/internal/types"
)

// Observation is one completed request as seen by the latency monitor
type Observation struct {
	Class    types.OperationClass
	Provider string
	Model    string
	CacheHit bool
	Success  bool
	Latency  time.Duration
	Tokens   int
	CostEuro float64
}

// Sink receives gateway observations
type Sink interface {
	ObserveRequest(obs Observation)
	SetP95(class types.OperationClass, cached bool, p95 time.Duration)
	SetBreakerState(path types.Path, state types.BreakerState)
	IncFallback(from, to types.Path)
}

// Nop discards everything
type Nop struct{}

func (Nop) ObserveRequest(Observation)                       {}
func (Nop) SetP95(types.OperationClass, bool, time.Duration) {}
func (Nop) SetBreakerState(types.Path, types.BreakerState)   {}
func (Nop) IncFallback(types.Path, types.Path)               {}

// Prometheus implements Sink on client_golang collectors
type Prometheus struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
	cost         *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
	p95          *prometheus.GaugeVec
	breaker      *prometheus.GaugeVec
	fallbacks    *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheus registers the gateway collectors on reg
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)

	return &Prometheus{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_gateway_requests_total",
				Help: "Total number of support operations",
			},
			[]string{"class", "provider", "model", "success"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "support_gateway_request_duration_seconds",
				Help:    "Support operation latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.3, 0.5, 1, 1.5, 2.5, 5, 10, 30},
			},
			[]string{"class", "cache_hit"},
		),
		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_gateway_tokens_total",
				Help: "Total tokens consumed",
			},
			[]string{"provider", "model"},
		),
		cost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_gateway_cost_euro_total",
				Help: "Estimated spend in EUR",
			},
			[]string{"provider", "model"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_gateway_cache_hits_total",
				Help: "Responses served from cache",
			},
			[]string{"class"},
		),
		p95: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "support_gateway_latency_p95_seconds",
				Help: "Current P95 latency of the sliding window",
			},
			[]string{"class", "cached"},
		),
		breaker: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "support_gateway_breaker_state",
				Help: "Circuit breaker state per path (0 closed, 1 half-open, 2 open)",
			},
			[]string{"path"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_gateway_fallbacks_total",
				Help: "Requests moved to the alternate path",
			},
			[]string{"from", "to"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "support_gateway_http_request_duration_seconds",
				Help: "HTTP request duration in seconds",
			},
			[]string{"method", "endpoint"},
		),
	}
}

// ObserveRequest implements Sink
func (p *Prometheus) ObserveRequest(obs Observation) {
	provider, model := obs.Provider, obs.Model
	if provider == "" {
		provider = "none"
	}
	if model == "" {
		model = "none"
	}

	p.requests.WithLabelValues(string(obs.Class), provider, model, strconv.FormatBool(obs.Success)).Inc()
	p.latency.WithLabelValues(string(obs.Class), strconv.FormatBool(obs.CacheHit)).Observe(obs.Latency.Seconds())
	if obs.CacheHit {
		p.cacheHits.WithLabelValues(string(obs.Class)).Inc()
		return
	}
	if obs.Tokens > 0 {
		p.tokens.WithLabelValues(provider, model).Add(float64(obs.Tokens))
	}
	if obs.CostEuro > 0 {
		p.cost.WithLabelValues(provider, model).Add(obs.CostEuro)
	}
}

// SetP95 implements Sink
func (p *Prometheus) SetP95(class types.OperationClass, cached bool, p95 time.Duration) {
	p.p95.WithLabelValues(string(class), strconv.FormatBool(cached)).Set(p95.Seconds())
}

// SetBreakerState implements Sink
func (p *Prometheus) SetBreakerState(path types.Path, state types.BreakerState) {
	p.breaker.WithLabelValues(string(path)).Set(breakerValue(state))
}

// IncFallback implements Sink
func (p *Prometheus) IncFallback(from, to types.Path) {
	p.fallbacks.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveHTTP records one served HTTP request
func (p *Prometheus) ObserveHTTP(method, endpoint string, status int, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func breakerValue(state types.BreakerState) float64 {
	switch state {
	case types.BreakerOpen:
		return 2
	case types.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}

var (
	_ Sink = Nop{}
	_ Sink = (*Prometheus)(nil)
)
