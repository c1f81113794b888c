package provider

import "github.com/prometheus/client_golang/prometheus"

// initializeMetrics sets up Prometheus metrics
func (m *Manager) initializeMetrics(registry *prometheus.Registry) {
	m.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "castgate_provider_request_latency_seconds",
		Help:    "Latency of provider requests",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	m.deduplicatedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "castgate_deduplicated_requests_total",
		Help: "Number of LLM calls served by an identical in-flight call",
	})

	m.healthyProviders = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "castgate_healthy_providers",
		Help: "Whether the last call to a provider succeeded (1) or failed (0)",
	}, []string{"provider"})

	registry.MustRegister(m.requestLatency)
	registry.MustRegister(m.deduplicatedRequests)
	registry.MustRegister(m.healthyProviders)
}
