// Package llm talks to language models: the client abstraction, the
// canonical model registry, and the call loop that turns raw completions
// into schema-valid JSON.
package llm

import (
	"context"

	"github.com/nuabase/castgate/usage"
)

// Response is one completion.
type Response struct {
	Text  string
	Usage usage.Usage
}

// Client sends a single prompt to a model. Transport and provider errors
// are returned, never encoded in the response.
type Client interface {
	SendRequest(ctx context.Context, prompt string, model Model, maxTokens int) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string, model Model, maxTokens int) (Response, error)

func (f ClientFunc) SendRequest(ctx context.Context, prompt string, model Model, maxTokens int) (Response, error) {
	return f(ctx, prompt, model, maxTokens)
}
