package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nuabase/castgate/usage"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	Provider ProviderID
	APIKey   string
	// BaseURL overrides the provider's default endpoint.
	BaseURL     string
	Temperature float64
}

// OpenAIClient serves every provider with an OpenAI-compatible chat
// completions API.
type OpenAIClient struct {
	provider    ProviderID
	temperature float64
	client      openai.Client
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for cfg.Provider. The SDK's own retries
// are disabled; Caller owns the retry policy.
func NewOpenAIClient(cfg OpenAIConfig, opts ...option.RequestOption) (*OpenAIClient, error) {
	base := cfg.BaseURL
	if base == "" {
		var ok bool
		if base, ok = cfg.Provider.BaseURL(); !ok {
			return nil, fmt.Errorf("Unknown LLM provider: %s", cfg.Provider)
		}
	}
	all := append([]option.RequestOption{
		option.WithBaseURL(base),
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}, opts...)
	return &OpenAIClient{
		provider:    cfg.Provider,
		temperature: cfg.Temperature,
		client:      openai.NewClient(all...),
	}, nil
}

func (c *OpenAIClient) Provider() ProviderID { return c.provider }

func (c *OpenAIClient) SendRequest(ctx context.Context, prompt string, model Model, maxTokens int) (Response, error) {
	name, err := ProviderModelName(model, c.provider)
	if err != nil {
		return Response{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(name),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	out, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("%s API error: %w", c.provider, err)
	}
	if len(out.Choices) == 0 {
		return Response{}, fmt.Errorf("%s API error: response has no choices", c.provider)
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return Response{}, fmt.Errorf("%s API error: Could not extract text from response", c.provider)
	}

	return Response{
		Text: text,
		Usage: usage.Usage{
			PromptTokens:     int(out.Usage.PromptTokens),
			CompletionTokens: int(out.Usage.CompletionTokens),
			TotalTokens:      int(out.Usage.TotalTokens),
		},
	}, nil
}
