package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nuabase/castgate/llm"
	"github.com/nuabase/castgate/server/circuitbreaker"
)

// result represents the outcome of an LLM operation
type result struct {
	resp   llm.Response
	err    error
	status HealthStatus
	id     llm.ProviderID
}

// SendRequest sends prompt to the most preferred provider serving model.
// Concurrent calls with the same prompt, model and token limit share one
// upstream request.
func (m *Manager) SendRequest(ctx context.Context, prompt string, model llm.Model, maxTokens int) (llm.Response, error) {
	key := generateRequestKey(prompt, model, maxTokens)

	v, err, shared := m.group.Do(key, func() (interface{}, error) {
		r := m.executeWithRetries(ctx, prompt, model, maxTokens)
		if r.id != "" {
			m.UpdateHealthStatus(r.id, r.status)
		}
		return r, r.err
	})
	if shared {
		m.deduplicatedRequests.Inc()
	}
	if err != nil {
		return llm.Response{}, err
	}
	return v.(*result).resp, nil
}

// executeWithRetries walks the candidates in order. A provider whose
// breaker is open is skipped. A failure on a closed breaker is returned
// as is; the caller's retry loop decides what happens next, and repeated
// failures trip the breaker so later calls move on to the next provider.
func (m *Manager) executeWithRetries(ctx context.Context, prompt string, model llm.Model, maxTokens int) *result {
	candidates := m.candidates(model)
	if len(candidates) == 0 {
		return &result{err: fmt.Errorf("%w: no configured provider serves model %s", ErrNoHealthyProvider, model)}
	}

	var lastResult *result
	for i, id := range candidates {
		client, breaker := m.getProviderResources(id)
		if client == nil || breaker == nil || !breaker.Allow() {
			continue
		}

		current := m.executeOperation(ctx, client, breaker, id, prompt, model, maxTokens)
		lastResult = current
		if current.err == nil {
			return current
		}

		// The failure just tripped the breaker, or another caller took
		// the last half-open slot: move on unless this was the last one.
		open := breaker.State() == gobreaker.StateOpen || errors.Is(current.err, circuitbreaker.ErrCircuitOpen)
		if open && i < len(candidates)-1 {
			m.logger.Warn("Provider unavailable, failing over",
				zap.String("provider", string(id)),
				zap.String("model", string(model)),
				zap.Error(current.err))
			continue
		}
		return current
	}

	if lastResult == nil {
		return &result{err: fmt.Errorf("%w for model %s", ErrNoHealthyProvider, model)}
	}
	return lastResult
}

// executeOperation handles a single attempt against one provider.
func (m *Manager) executeOperation(
	ctx context.Context,
	client llm.Client,
	breaker *circuitbreaker.CircuitBreaker,
	id llm.ProviderID,
	prompt string,
	model llm.Model,
	maxTokens int) *result {

	prev := m.GetHealthStatus(id)
	start := time.Now()

	var resp llm.Response
	err := breaker.Execute(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		resp, err = client.SendRequest(ctx, prompt, model, maxTokens)
		return err
	})

	duration := time.Since(start)
	m.requestLatency.WithLabelValues(string(id)).Observe(duration.Seconds())

	status := HealthStatus{
		Healthy:      err == nil,
		LastCheck:    time.Now(),
		Latency:      duration,
		RequestCount: prev.RequestCount + 1,
		ErrorCount:   prev.ErrorCount,
	}
	if err != nil {
		counts := breaker.Counts()
		status.ErrorCount++
		status.ConsecutiveFails = int(counts.ConsecutiveFailures)
		m.logger.Debug("operation failed",
			zap.String("provider", string(id)),
			zap.Error(err),
			zap.Duration("duration", duration),
			zap.String("breaker_state", breaker.State().String()),
			zap.Uint32("consecutive_failures", counts.ConsecutiveFailures))
	}

	return &result{resp: resp, err: err, status: status, id: id}
}

// generateRequestKey identifies a call for deduplication. The prompt is
// hashed so large batches do not become large map keys.
func generateRequestKey(prompt string, model llm.Model, maxTokens int) string {
	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s-%d-%s", model, maxTokens, hex.EncodeToString(sum[:]))
}
