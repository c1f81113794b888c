package provider_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/gollm"
	"go.uber.org/zap/zaptest"

	"github.com/nuabase/castgate/config"
	"github.com/nuabase/castgate/llm"
	"github.com/nuabase/castgate/server/mocks"
	"github.com/nuabase/castgate/server/provider"
	"github.com/nuabase/castgate/usage"
)

type wordCounter struct{}

func (wordCounter) Count(_, text string) int { return len(strings.Fields(text)) }

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func testBreakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		MaxRequests:      1,
		Interval:         time.Second,
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 1,
	}
}

// reply returns a client that answers with text and counts its calls.
func reply(text string, calls *atomic.Int32) llm.Client {
	return llm.ClientFunc(func(ctx context.Context, prompt string, model llm.Model, maxTokens int) (llm.Response, error) {
		calls.Add(1)
		return llm.Response{Text: text, Usage: usage.New(1, 1)}, nil
	})
}

func fail(msg string, calls *atomic.Int32) llm.Client {
	return llm.ClientFunc(func(ctx context.Context, prompt string, model llm.Model, maxTokens int) (llm.Response, error) {
		calls.Add(1)
		return llm.Response{}, errors.New(msg)
	})
}

func TestManager_PrefersRegistryOrder(t *testing.T) {
	m := provider.NewManager(testBreakerConfig(), nil, zaptest.NewLogger(t), prometheus.NewRegistry())

	var cerebras, openrouter atomic.Int32
	require.NoError(t, m.SetProviders(map[llm.ProviderID]llm.Client{
		llm.ProviderCerebras:   reply("cerebras", &cerebras),
		llm.ProviderOpenRouter: reply("openrouter", &openrouter),
	}))

	// gpt-oss-120b lists cerebras before openrouter.
	resp, err := m.SendRequest(context.Background(), "p", llm.ModelGPTOSS120B, 100)
	require.NoError(t, err)
	assert.Equal(t, "cerebras", resp.Text)
	assert.Equal(t, usage.New(1, 1), resp.Usage)

	// Only openrouter serves sonnet.
	resp, err = m.SendRequest(context.Background(), "p", llm.ModelClaudeSonnet45, 100)
	require.NoError(t, err)
	assert.Equal(t, "openrouter", resp.Text)
	assert.Equal(t, int32(1), cerebras.Load())
}

func TestManager_FailsOverWhenBreakerOpens(t *testing.T) {
	ctx := context.Background()
	m := provider.NewManager(testBreakerConfig(), nil, zaptest.NewLogger(t), prometheus.NewRegistry())

	var primary, backup atomic.Int32
	require.NoError(t, m.SetProviders(map[llm.ProviderID]llm.Client{
		llm.ProviderCerebras:   fail("primary error", &primary),
		llm.ProviderOpenRouter: reply("backup response", &backup),
	}))

	t.Run("Trips primary and fails over in the same call", func(t *testing.T) {
		resp, err := m.SendRequest(ctx, "first", llm.ModelGPTOSS120B, 0)
		require.NoError(t, err)
		assert.Equal(t, "backup response", resp.Text)
		assert.Equal(t, int32(1), primary.Load())
	})

	t.Run("Skips the open breaker", func(t *testing.T) {
		resp, err := m.SendRequest(ctx, "second", llm.ModelGPTOSS120B, 0)
		require.NoError(t, err)
		assert.Equal(t, "backup response", resp.Text)
		assert.Equal(t, int32(1), primary.Load(), "open breaker must not reach the provider")
		assert.Equal(t, int32(2), backup.Load())
	})

	t.Run("Recovers primary after the timeout", func(t *testing.T) {
		var recovered atomic.Int32
		require.NoError(t, m.SetProviders(map[llm.ProviderID]llm.Client{
			llm.ProviderCerebras:   reply("primary response", &recovered),
			llm.ProviderOpenRouter: reply("backup response", &backup),
		}))
		time.Sleep(150 * time.Millisecond)

		resp, err := m.SendRequest(ctx, "third", llm.ModelGPTOSS120B, 0)
		require.NoError(t, err)
		assert.Equal(t, "primary response", resp.Text)

		states := m.States()
		require.Len(t, states, 2)
		assert.Equal(t, llm.ProviderCerebras, states[0].Provider)
		assert.Equal(t, gobreaker.StateClosed.String(), states[0].Breaker)
	})
}

func TestManager_ReturnsErrorWhileBreakerClosed(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 3
	m := provider.NewManager(cfg, nil, zaptest.NewLogger(t), prometheus.NewRegistry())

	var primary, backup atomic.Int32
	require.NoError(t, m.SetProviders(map[llm.ProviderID]llm.Client{
		llm.ProviderCerebras:   fail("primary error", &primary),
		llm.ProviderOpenRouter: reply("backup response", &backup),
	}))

	_, err := m.SendRequest(context.Background(), "p", llm.ModelGPTOSS120B, 0)
	assert.EqualError(t, err, "primary error")
	assert.Equal(t, int32(0), backup.Load())

	status := m.GetHealthStatus(llm.ProviderCerebras)
	assert.False(t, status.Healthy)
	assert.Equal(t, int64(1), status.ErrorCount)
	assert.Equal(t, 1, status.ConsecutiveFails)
}

func TestManager_AllProvidersFailing(t *testing.T) {
	m := provider.NewManager(testBreakerConfig(), nil, zaptest.NewLogger(t), prometheus.NewRegistry())

	var calls atomic.Int32
	require.NoError(t, m.SetProviders(map[llm.ProviderID]llm.Client{
		llm.ProviderCerebras:   fail("primary error", &calls),
		llm.ProviderOpenRouter: fail("backup error", &calls),
	}))

	_, err := m.SendRequest(context.Background(), "one", llm.ModelGPTOSS120B, 0)
	assert.EqualError(t, err, "backup error")
	assert.False(t, m.Available())

	_, err = m.SendRequest(context.Background(), "two", llm.ModelGPTOSS120B, 0)
	assert.ErrorIs(t, err, provider.ErrNoHealthyProvider)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_NoProviderServesModel(t *testing.T) {
	m := provider.NewManager(testBreakerConfig(), nil, zaptest.NewLogger(t), prometheus.NewRegistry())
	var calls atomic.Int32
	require.NoError(t, m.SetProviders(map[llm.ProviderID]llm.Client{
		llm.ProviderGroq: reply("x", &calls),
	}))

	_, err := m.SendRequest(context.Background(), "p", llm.ModelGPT5, 0)
	assert.ErrorIs(t, err, provider.ErrNoHealthyProvider)
	assert.ErrorContains(t, err, "no configured provider serves model gpt-5")
}

func TestManager_UsesPreferenceForCustomProviders(t *testing.T) {
	m := provider.NewManager(testBreakerConfig(), []string{"local"}, zaptest.NewLogger(t), prometheus.NewRegistry())

	mock := mocks.NewMockLLM("llama3", func(ctx context.Context, p *gollm.Prompt) (string, error) {
		return `{"ok":true}`, nil
	})
	local := llm.NewGollmClientWith("local", map[llm.Model]gollm.LLM{llm.ModelQwen3Max: mock}, wordCounter{})

	var openrouter atomic.Int32
	require.NoError(t, m.SetProviders(map[llm.ProviderID]llm.Client{
		"local":                local,
		llm.ProviderOpenRouter: reply("openrouter", &openrouter),
	}))

	// The registry's provider comes first.
	resp, err := m.SendRequest(context.Background(), "p", llm.ModelQwen3Max, 0)
	require.NoError(t, err)
	assert.Equal(t, "openrouter", resp.Text)

	// Without it the custom provider serves the model.
	require.NoError(t, m.SetProviders(map[llm.ProviderID]llm.Client{"local": local}))
	resp, err = m.SendRequest(context.Background(), "p", llm.ModelQwen3Max, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Text)

	_, err = m.SendRequest(context.Background(), "p", llm.ModelGPT5, 0)
	assert.ErrorIs(t, err, provider.ErrNoHealthyProvider)
}

func TestManagerSingleflight(t *testing.T) {
	tests := []struct {
		name      string
		prompt    func(i int) string
		wantCalls int32
		wantDedup bool
	}{
		{
			name:      "Concurrent identical requests are deduplicated",
			prompt:    func(int) string { return "same" },
			wantCalls: 1,
			wantDedup: true,
		},
		{
			name:      "Different requests are not deduplicated",
			prompt:    func(i int) string { return fmt.Sprintf("prompt-%d", i) },
			wantCalls: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := provider.NewManager(testBreakerConfig(), nil, zaptest.NewLogger(t), registry)

			var calls atomic.Int32
			release := make(chan struct{})
			require.NoError(t, m.SetProviders(map[llm.ProviderID]llm.Client{
				llm.ProviderOpenRouter: llm.ClientFunc(func(ctx context.Context, prompt string, model llm.Model, maxTokens int) (llm.Response, error) {
					calls.Add(1)
					<-release
					return llm.Response{Text: prompt}, nil
				}),
			}))

			var (
				wg      sync.WaitGroup
				started sync.WaitGroup
				errs    = make([]error, 5)
			)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				started.Add(1)
				go func(idx int) {
					defer wg.Done()
					started.Done()
					_, errs[idx] = m.SendRequest(context.Background(), tt.prompt(idx), llm.ModelClaudeSonnet45, 10)
				}(i)
			}
			started.Wait()
			// Let every goroutine reach the in-flight call before it returns.
			assert.Eventually(t, func() bool {
				return calls.Load() == tt.wantCalls
			}, time.Second, time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			close(release)
			wg.Wait()

			for _, err := range errs {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
			want := 0.0
			if tt.wantDedup {
				want = 4
			}
			assert.Equal(t, want, counterValue(t, registry, "castgate_deduplicated_requests_total"))
		})
	}
}

func TestNewManagerFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.Providers = map[string]config.ProviderConfig{
		"openrouter": {Type: "openai", APIKey: "k"},
		"groq":       {Type: "openai", APIKey: "k"},
	}

	m, err := provider.NewManagerFromConfig(cfg, nil, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, []llm.ProviderID{llm.ProviderGroq, llm.ProviderOpenRouter}, m.Providers())
	assert.True(t, m.Available())

	cfg.LLM.Providers = map[string]config.ProviderConfig{"custom": {Type: "openai"}}
	_, err = provider.NewManagerFromConfig(cfg, nil, zaptest.NewLogger(t), prometheus.NewRegistry())
	assert.ErrorContains(t, err, "Unknown LLM provider: custom")
}
