package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nuabase/castgate/usage"
)

// DefaultMaxAttempts is used when CallParams.MaxAttempts is not positive.
const DefaultMaxAttempts = 3

// CallParams describe one structured completion.
type CallParams struct {
	Prompt      string
	Model       Model
	MaxTokens   int
	MaxAttempts int

	// Validate checks the decoded response. A nil Validate accepts
	// anything that parses.
	Validate func(v any) error
}

// CallResult is a parsed and validated completion.
type CallResult struct {
	Data any
	// Usage sums every attempt, including the failed ones.
	Usage usage.Usage
}

// CallError is returned when every attempt failed. Usage holds the tokens
// spent on attempts the provider answered.
type CallError struct {
	Attempts int
	Last     error
	Usage    usage.Usage
}

func (e *CallError) Error() string {
	return fmt.Sprintf("LLM call failed after %d attempts. Last error: %v", e.Attempts, e.Last)
}

func (e *CallError) Unwrap() error { return e.Last }

// UsageOf returns the usage carried by a *CallError in err's chain.
func UsageOf(err error) (usage.Usage, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Usage, true
	}
	return usage.Zero, false
}

// Caller runs the retry loop around a Client.
type Caller struct {
	client Client
	logger *zap.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCaller creates a Caller. A nil logger is replaced with a no-op one.
func NewCaller(client Client, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Caller{client: client, logger: logger, sleep: sleepCtx}
}

// Call sends the prompt until a response parses as JSON and passes
// validation, or attempts run out. Attempt n waits 2^(n-1) seconds before
// the next one.
func (c *Caller) Call(ctx context.Context, p CallParams) (CallResult, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var spent usage.Usage
	for attempt := 1; ; attempt++ {
		data, u, err := c.attempt(ctx, p)
		spent = spent.Add(u)
		if err == nil {
			return CallResult{Data: data, Usage: spent}, nil
		}

		if attempt >= attempts || ctx.Err() != nil {
			return CallResult{Usage: spent}, &CallError{Attempts: attempt, Last: err, Usage: spent}
		}

		backoff := time.Duration(1<<(attempt-1)) * time.Second
		c.logger.Warn("LLM call attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.String("model", string(p.Model)),
			zap.Error(err))
		if err := c.sleep(ctx, backoff); err != nil {
			return CallResult{Usage: spent}, &CallError{Attempts: attempt, Last: err, Usage: spent}
		}
	}
}

func (c *Caller) attempt(ctx context.Context, p CallParams) (any, usage.Usage, error) {
	resp, err := c.client.SendRequest(ctx, p.Prompt, p.Model, p.MaxTokens)
	if err != nil {
		return nil, usage.Zero, err
	}

	_, cleaned := ExtractThinking(resp.Text)
	cleaned = ExtractJSON(cleaned)

	var parsed any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, resp.Usage, fmt.Errorf("Failed to parse LLM response as JSON: %w", err)
	}

	if p.Validate != nil {
		if err := p.Validate(parsed); err != nil {
			return nil, resp.Usage, fmt.Errorf("Validation failed: %w", err)
		}
	}
	return parsed, resp.Usage, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
