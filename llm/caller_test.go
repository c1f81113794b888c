package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nuabase/castgate/usage"
)

type scripted struct {
	responses []Response
	errs      []error
	calls     int
}

func (s *scripted) SendRequest(ctx context.Context, prompt string, model Model, maxTokens int) (Response, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return Response{}, err
	}
	return s.responses[i], nil
}

func newTestCaller(c Client) (*Caller, *[]time.Duration) {
	caller := NewCaller(c, zap.NewNop())
	var slept []time.Duration
	caller.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return caller, &slept
}

func TestCaller_Success(t *testing.T) {
	client := &scripted{responses: []Response{
		{Text: "<think>hmm</think>\n```json\n{\"name\":\"Ada\"}\n```", Usage: usage.New(10, 5)},
	}}
	caller, slept := newTestCaller(client)

	res, err := caller.Call(context.Background(), CallParams{Prompt: "p", Model: ModelGPT5})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada"}, res.Data)
	assert.Equal(t, usage.New(10, 5), res.Usage)
	assert.Equal(t, 1, client.calls)
	assert.Empty(t, *slept)
}

func TestCaller_RetriesThenSucceeds(t *testing.T) {
	client := &scripted{
		errs: []error{errors.New("502 bad gateway"), nil, nil},
		responses: []Response{
			{},
			{Text: "not json", Usage: usage.New(4, 1)},
			{Text: `[1,2]`, Usage: usage.New(4, 2)},
		},
	}
	caller, slept := newTestCaller(client)

	res, err := caller.Call(context.Background(), CallParams{Prompt: "p", Model: ModelGPT5})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, res.Data)
	assert.Equal(t, usage.New(8, 3), res.Usage)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestCaller_ExhaustsAttempts(t *testing.T) {
	tests := []struct {
		name      string
		client    *scripted
		validate  func(any) error
		attempts  int
		wantMsg   string
		wantUsage usage.Usage
	}{
		{
			name:     "transport errors",
			client:   &scripted{errs: []error{errors.New("boom"), errors.New("boom"), errors.New("timeout")}},
			wantMsg:  "LLM call failed after 3 attempts. Last error: timeout",
			attempts: 0,
		},
		{
			name: "parse errors",
			client: &scripted{responses: []Response{
				{Text: "nope", Usage: usage.New(1, 1)},
				{Text: "still nope", Usage: usage.New(1, 1)},
			}},
			attempts:  2,
			wantMsg:   "LLM call failed after 2 attempts. Last error: Failed to parse LLM response as JSON: ",
			wantUsage: usage.New(2, 2),
		},
		{
			name:      "validation errors",
			client:    &scripted{responses: []Response{{Text: `{"a":1}`, Usage: usage.New(3, 3)}}},
			validate:  func(any) error { return errors.New("missing property 'name'") },
			attempts:  1,
			wantMsg:   "LLM call failed after 1 attempts. Last error: Validation failed: missing property 'name'",
			wantUsage: usage.New(3, 3),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller, _ := newTestCaller(tt.client)
			_, err := caller.Call(context.Background(), CallParams{
				Prompt:      "p",
				Model:       ModelGPT5,
				MaxAttempts: tt.attempts,
				Validate:    tt.validate,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)

			var ce *CallError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantUsage, ce.Usage)

			u, ok := UsageOf(err)
			assert.True(t, ok)
			assert.Equal(t, tt.wantUsage, u)
		})
	}
}

func TestCaller_StopsOnCancelledContext(t *testing.T) {
	client := &scripted{errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}}
	caller := NewCaller(client, nil)
	caller.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := caller.Call(context.Background(), CallParams{Prompt: "p", Model: ModelGPT5})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, client.calls)
}

func TestUsageOf_PlainError(t *testing.T) {
	u, ok := UsageOf(errors.New("x"))
	assert.False(t, ok)
	assert.True(t, u.IsZero())
}
