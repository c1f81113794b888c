package provider

import (
	"fmt"

	"github.com/nuabase/castgate/config"
	"github.com/nuabase/castgate/llm"
)

// NewClient builds the llm.Client for one configured provider.
func NewClient(id llm.ProviderID, pc config.ProviderConfig, temperature float64, counter llm.Tokenizer) (llm.Client, error) {
	switch pc.Type {
	case "openai":
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			Provider:    id,
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Temperature: temperature,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "gollm":
		models := make(map[llm.Model]string, len(pc.Models))
		for name, backendName := range pc.Models {
			m, err := llm.ParseModel(name)
			if err != nil {
				return nil, err
			}
			models[m] = backendName
		}
		c, err := llm.NewGollmClient(llm.GollmConfig{
			Provider: id,
			Backend:  pc.Backend,
			APIKey:   pc.APIKey,
			Models:   models,
		}, counter)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
