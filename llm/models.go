package llm

import "fmt"

// Model is a canonical model name. Provider-specific names are looked up
// with Supported.
type Model string

const (
	ModelQwen3_30B         Model = "qwen3-30b-a3b-instruct-2507"
	ModelClaudeSonnet45    Model = "claude-sonnet-4-5"
	ModelQwen3VL235B       Model = "qwen3-vl-235b-a22b-instruct"
	ModelQwen3Max          Model = "qwen3-max"
	ModelGPT5              Model = "gpt-5"
	ModelGemini25FlashLite Model = "gemini-2.5-flash-lite-preview-09-2025"
	ModelQwen3CoderFlash   Model = "qwen3-coder-flash"
	ModelGPTOSS120B        Model = "gpt-oss-120b"
)

// DefaultModelAlias is used when a request names no model.
const DefaultModelAlias = "fast"

// ProviderID names an upstream LLM API.
type ProviderID string

const (
	ProviderGroq       ProviderID = "groq"
	ProviderCerebras   ProviderID = "cerebras"
	ProviderOpenRouter ProviderID = "openrouter"
)

// BaseURL returns the OpenAI-compatible endpoint of a known provider.
func (p ProviderID) BaseURL() (string, bool) {
	switch p {
	case ProviderGroq:
		return "https://api.groq.com/openai/v1", true
	case ProviderCerebras:
		return "https://api.cerebras.ai/v1", true
	case ProviderOpenRouter:
		return "https://openrouter.ai/api/v1", true
	default:
		return "", false
	}
}

// ProviderModel is the name a provider knows a canonical model by.
type ProviderModel struct {
	Provider ProviderID
	Name     string
}

// supported lists providers in preference order.
var supported = map[Model][]ProviderModel{
	ModelGPTOSS120B: {
		{Provider: ProviderCerebras, Name: "gpt-oss-120b"},
		{Provider: ProviderOpenRouter, Name: "openai/gpt-oss-120b"},
	},
	ModelQwen3_30B:         {{Provider: ProviderOpenRouter, Name: "qwen/qwen3-30b-a3b-instruct-2507"}},
	ModelClaudeSonnet45:    {{Provider: ProviderOpenRouter, Name: "anthropic/claude-sonnet-4.5"}},
	ModelQwen3VL235B:       {{Provider: ProviderOpenRouter, Name: "qwen/qwen3-vl-235b-a22b-instruct"}},
	ModelQwen3Max:          {{Provider: ProviderOpenRouter, Name: "qwen/qwen3-max"}},
	ModelGPT5:              {{Provider: ProviderOpenRouter, Name: "openai/gpt-5"}},
	ModelGemini25FlashLite: {{Provider: ProviderOpenRouter, Name: "google/gemini-2.5-flash-lite-preview-09-2025"}},
	ModelQwen3CoderFlash:   {{Provider: ProviderOpenRouter, Name: "qwen/qwen3-coder-flash"}},
}

var aliases = map[string]Model{
	"fast":   ModelGPTOSS120B,
	"qwen":   ModelQwen3VL235B,
	"sonnet": ModelClaudeSonnet45,
	"gpt":    ModelGPT5,
}

// ParseModel resolves a canonical name or alias. An empty name means
// "fast".
func ParseModel(name string) (Model, error) {
	if name == "" {
		name = DefaultModelAlias
	}
	if _, ok := supported[Model(name)]; ok {
		return Model(name), nil
	}
	if m, ok := aliases[name]; ok {
		return m, nil
	}
	return "", fmt.Errorf("Invalid model name: %s", name)
}

// Supported returns the providers serving m, most preferred first.
func Supported(m Model) []ProviderModel {
	pms := supported[m]
	out := make([]ProviderModel, len(pms))
	copy(out, pms)
	return out
}

// ProviderModelName returns the name provider p uses for m.
func ProviderModelName(m Model, p ProviderID) (string, error) {
	for _, pm := range supported[m] {
		if pm.Provider == p {
			return pm.Name, nil
		}
	}
	return "", fmt.Errorf("LLM Provider %s does not support model %s", p, m)
}

// Models returns every canonical model.
func Models() []Model {
	return []Model{
		ModelQwen3_30B,
		ModelClaudeSonnet45,
		ModelQwen3VL235B,
		ModelQwen3Max,
		ModelGPT5,
		ModelGemini25FlashLite,
		ModelQwen3CoderFlash,
		ModelGPTOSS120B,
	}
}
