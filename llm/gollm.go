package llm

import (
	"context"
	"fmt"
	"sort"

	"github.com/teilomillet/gollm"

	"github.com/nuabase/castgate/usage"
)

// GollmConfig configures a GollmClient.
type GollmConfig struct {
	// Provider is the id the client is registered under.
	Provider ProviderID
	// Backend is the gollm provider name, such as "openai" or "ollama".
	Backend string
	APIKey  string
	// Models maps canonical models to the backend's model names. Models
	// left out fall back to the registry entry for Provider, if any.
	Models map[Model]string
}

// GollmClient sends prompts through gollm. gollm does not report token
// usage, so usage is counted locally.
type GollmClient struct {
	provider ProviderID
	llms     map[Model]gollm.LLM
	names    map[Model]string
	counter  Tokenizer
}

var _ Client = (*GollmClient)(nil)

// NewGollmClient creates one gollm instance per served model.
func NewGollmClient(cfg GollmConfig, counter Tokenizer) (*GollmClient, error) {
	names := make(map[Model]string)
	for _, m := range Models() {
		if n, ok := cfg.Models[m]; ok {
			names[m] = n
		} else if n, err := ProviderModelName(m, cfg.Provider); err == nil {
			names[m] = n
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("gollm provider %s serves no known model", cfg.Provider)
	}

	llms := make(map[Model]gollm.LLM, len(names))
	for m, name := range names {
		l, err := gollm.NewLLM(
			gollm.SetProvider(cfg.Backend),
			gollm.SetModel(name),
			gollm.SetAPIKey(cfg.APIKey),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize provider %s for %s: %w", cfg.Provider, m, err)
		}
		llms[m] = l
	}
	return NewGollmClientWith(cfg.Provider, llms, counter), nil
}

// NewGollmClientWith wraps already constructed gollm instances.
func NewGollmClientWith(provider ProviderID, llms map[Model]gollm.LLM, counter Tokenizer) *GollmClient {
	if counter == nil {
		counter = NewTokenCounter()
	}
	names := make(map[Model]string, len(llms))
	for m, l := range llms {
		names[m] = l.GetModel()
	}
	return &GollmClient{provider: provider, llms: llms, names: names, counter: counter}
}

func (c *GollmClient) Provider() ProviderID { return c.provider }

// Supports reports whether the client has an instance for m.
func (c *GollmClient) Supports(m Model) bool {
	_, ok := c.llms[m]
	return ok
}

// Served lists the models the client has instances for, sorted.
func (c *GollmClient) Served() []Model {
	out := make([]Model, 0, len(c.llms))
	for m := range c.llms {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *GollmClient) SendRequest(ctx context.Context, prompt string, model Model, maxTokens int) (Response, error) {
	l, ok := c.llms[model]
	if !ok {
		return Response{}, fmt.Errorf("LLM Provider %s does not support model %s", c.provider, model)
	}
	if maxTokens > 0 {
		l.SetOption("max_tokens", maxTokens)
	}

	text, err := l.Generate(ctx, l.NewPrompt(prompt))
	if err != nil {
		return Response{}, fmt.Errorf("%s API error: %w", c.provider, err)
	}

	name := c.names[model]
	return Response{
		Text:  text,
		Usage: usage.New(c.counter.Count(name, prompt), c.counter.Count(name, text)),
	}, nil
}
