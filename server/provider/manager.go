// Package provider routes LLM calls across upstream providers. Each
// provider sits behind its own circuit breaker; a model's providers are
// tried in preference order and identical concurrent calls share one
// upstream request.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nuabase/castgate/config"
	"github.com/nuabase/castgate/llm"
	"github.com/nuabase/castgate/server/circuitbreaker"
)

// modelServer is implemented by clients that know which models they
// serve, such as llm.GollmClient.
type modelServer interface {
	Supports(m llm.Model) bool
}

// Manager handles LLM provider management and selection. It implements
// llm.Client.
type Manager struct {
	clients      map[llm.ProviderID]llm.Client
	breakers     map[llm.ProviderID]*circuitbreaker.CircuitBreaker
	preference   []llm.ProviderID
	healthStates sync.Map // map[llm.ProviderID]HealthStatus
	group        singleflight.Group
	logger       *zap.Logger
	cbConfig     circuitbreaker.Config
	registry     *prometheus.Registry
	mu           sync.RWMutex

	// Metrics
	requestLatency       *prometheus.HistogramVec
	deduplicatedRequests prometheus.Counter
	healthyProviders     *prometheus.GaugeVec
}

var _ llm.Client = (*Manager)(nil)

// NewManager creates a manager with no clients. Clients are added with
// SetProviders or built from configuration with NewManagerFromConfig.
func NewManager(cfg config.CircuitBreakerConfig, preference []string, logger *zap.Logger, registry *prometheus.Registry) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Manager{
		clients:  make(map[llm.ProviderID]llm.Client),
		breakers: make(map[llm.ProviderID]*circuitbreaker.CircuitBreaker),
		logger:   logger,
		registry: registry,
		cbConfig: circuitbreaker.Config{
			MaxRequests:      cfg.MaxRequests,
			Interval:         cfg.Interval,
			Timeout:          cfg.Timeout,
			FailureThreshold: cfg.FailureThreshold,
		},
	}
	for _, p := range preference {
		m.preference = append(m.preference, llm.ProviderID(p))
	}
	m.initializeMetrics(registry)
	return m
}

// NewManagerFromConfig builds a client and a breaker for every configured
// provider.
func NewManagerFromConfig(cfg *config.Config, counter llm.Tokenizer, logger *zap.Logger, registry *prometheus.Registry) (*Manager, error) {
	m := NewManager(cfg.CircuitBreaker, cfg.LLM.ProviderPreference, logger, registry)

	clients := make(map[llm.ProviderID]llm.Client, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		c, err := NewClient(llm.ProviderID(name), pc, cfg.LLM.Temperature, counter)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize provider %s: %w", name, err)
		}
		clients[llm.ProviderID(name)] = c
	}
	if err := m.SetProviders(clients); err != nil {
		return nil, err
	}
	return m, nil
}

// SetProviders replaces the current clients. A provider's breaker lives
// as long as the manager, so its state survives the replacement.
func (m *Manager) SetProviders(clients map[llm.ProviderID]llm.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range clients {
		if _, ok := m.breakers[id]; ok {
			continue
		}
		cfg := m.cbConfig
		cfg.Name = string(id)
		b, err := circuitbreaker.NewCircuitBreaker(cfg, m.logger.With(zap.String("provider", string(id))), m.registry)
		if err != nil {
			return fmt.Errorf("failed to create circuit breaker for %s: %w", id, err)
		}
		m.breakers[id] = b
	}

	m.clients = clients
	return nil
}

// Providers returns the configured provider ids, sorted.
func (m *Manager) Providers() []llm.ProviderID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]llm.ProviderID, 0, len(m.clients))
	for id := range m.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// candidates lists the providers that can serve model, most preferred
// first: the registry's order, then the configured preference, then any
// remaining client that says it serves the model.
func (m *Manager) candidates(model llm.Model) []llm.ProviderID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []llm.ProviderID
	seen := make(map[llm.ProviderID]bool)
	add := func(id llm.ProviderID, registered bool) {
		if seen[id] {
			return
		}
		c, ok := m.clients[id]
		if !ok {
			return
		}
		if !registered {
			s, ok := c.(modelServer)
			if !ok || !s.Supports(model) {
				return
			}
		}
		seen[id] = true
		out = append(out, id)
	}

	for _, pm := range llm.Supported(model) {
		c, ok := m.clients[pm.Provider]
		// A client that knows its models has the final say.
		if s, isServer := c.(modelServer); ok && isServer && !s.Supports(model) {
			continue
		}
		add(pm.Provider, true)
	}
	for _, id := range m.preference {
		add(id, false)
	}
	rest := make([]llm.ProviderID, 0, len(m.clients))
	for id := range m.clients {
		rest = append(rest, id)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, id := range rest {
		add(id, false)
	}
	return out
}

// getProviderResources safely retrieves provider-related resources
func (m *Manager) getProviderResources(id llm.ProviderID) (llm.Client, *circuitbreaker.CircuitBreaker) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[id], m.breakers[id]
}
