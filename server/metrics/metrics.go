package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics encapsulates the gateway's Prometheus metrics. Every collector
// lives on a private registry so tests can create as many as they like.
type Metrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec

	// CacheLookups counts cache reads by kind (value, row) and outcome
	// (hit, miss, error).
	CacheLookups *prometheus.CounterVec
	// LLMTokens counts tokens by kind: prompt and completion for fresh
	// calls, cached for tokens served from the cache.
	LLMTokens *prometheus.CounterVec
	// Executions counts finished cast requests by type and status.
	Executions *prometheus.CounterVec
	// Jobs counts background job attempts by name and outcome.
	Jobs *prometheus.CounterVec
	// JobQueueDepth is the number of jobs waiting for a worker.
	JobQueueDepth prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castgate_http_requests_total",
				Help: "Total number of HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "castgate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "castgate_http_active_requests",
				Help: "Number of currently active HTTP requests by method",
			},
			[]string{"method"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castgate_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castgate_rate_limit_hits_total",
				Help: "Total number of rate limit hits by client",
			},
			[]string{"client"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castgate_cache_lookups_total",
				Help: "Cache lookups by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castgate_llm_tokens_total",
				Help: "Tokens spent on LLM calls or served from cache, by kind",
			},
			[]string{"kind"},
		),
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castgate_executions_total",
				Help: "Finished cast requests by request type and status",
			},
			[]string{"request_type", "status"},
		),
		Jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castgate_jobs_total",
				Help: "Background job attempts by job name and outcome",
			},
			[]string{"job", "outcome"},
		),
		JobQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "castgate_job_queue_depth",
				Help: "Number of background jobs waiting for a worker",
			},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m.RequestsTotal.WithLabelValues("/health", "200").Add(0)
	m.RequestsTotal.WithLabelValues("/metrics", "200").Add(0)
	m.RequestDuration.WithLabelValues("/health").Observe(0)
	m.RequestDuration.WithLabelValues("/metrics").Observe(0)
	for _, kind := range []string{"value", "row"} {
		for _, outcome := range []string{"hit", "miss", "error"} {
			m.CacheLookups.WithLabelValues(kind, outcome).Add(0)
		}
	}

	return m
}

// Registry exposes the registry for collectors owned by other packages,
// such as circuit breakers and the provider manager.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}
