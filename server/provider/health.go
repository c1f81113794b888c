package provider

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/nuabase/castgate/llm"
)

// HealthStatus represents the current health state of a provider, as seen
// by the calls routed through it.
type HealthStatus struct {
	Healthy          bool          // Whether the last call succeeded
	LastCheck        time.Time     // When the last call finished
	ConsecutiveFails int           // Consecutive failures counted by the breaker
	Latency          time.Duration // Last observed latency
	ErrorCount       int64         // Total number of errors
	RequestCount     int64         // Total number of requests
}

// ProviderState is a provider's health together with its breaker state.
type ProviderState struct {
	Provider llm.ProviderID  `json:"provider"`
	Breaker  string          `json:"breaker"`
	Healthy  bool            `json:"healthy"`
	Requests int64           `json:"requests"`
	Errors   int64           `json:"errors"`
	Latency  time.Duration   `json:"latency_ns"`
	state    gobreaker.State
}

// GetHealthStatus returns the health status for a provider. A provider
// that has not been called yet reports the zero status.
func (m *Manager) GetHealthStatus(id llm.ProviderID) HealthStatus {
	if val, ok := m.healthStates.Load(id); ok {
		return val.(HealthStatus)
	}
	return HealthStatus{}
}

// UpdateHealthStatus updates the health status for a provider
func (m *Manager) UpdateHealthStatus(id llm.ProviderID, status HealthStatus) {
	m.healthStates.Store(id, status)

	if status.Healthy {
		m.healthyProviders.WithLabelValues(string(id)).Set(1)
	} else {
		m.healthyProviders.WithLabelValues(string(id)).Set(0)
	}
}

// States reports every configured provider, sorted by id. A provider is
// available while its breaker is not open.
func (m *Manager) States() []ProviderState {
	ids := m.Providers()
	out := make([]ProviderState, 0, len(ids))
	for _, id := range ids {
		_, breaker := m.getProviderResources(id)
		status := m.GetHealthStatus(id)
		ps := ProviderState{
			Provider: id,
			Healthy:  status.Healthy || status.RequestCount == 0,
			Requests: status.RequestCount,
			Errors:   status.ErrorCount,
			Latency:  status.Latency,
		}
		if breaker != nil {
			ps.state = breaker.State()
			ps.Breaker = ps.state.String()
		}
		out = append(out, ps)
	}
	return out
}

// Available reports whether at least one provider's breaker is not open.
func (m *Manager) Available() bool {
	for _, s := range m.States() {
		if s.state != gobreaker.StateOpen {
			return true
		}
	}
	return false
}
