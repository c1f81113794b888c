package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		in      string
		want    Model
		wantErr string
	}{
		{in: "", want: ModelGPTOSS120B},
		{in: "fast", want: ModelGPTOSS120B},
		{in: "qwen", want: ModelQwen3VL235B},
		{in: "sonnet", want: ModelClaudeSonnet45},
		{in: "gpt", want: ModelGPT5},
		{in: "qwen3-max", want: ModelQwen3Max},
		{in: "gpt-4", wantErr: "Invalid model name: gpt-4"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModel(tt.in)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSupported(t *testing.T) {
	for _, m := range Models() {
		assert.NotEmpty(t, Supported(m), "model %s has no provider", m)
	}

	oss := Supported(ModelGPTOSS120B)
	require.Len(t, oss, 2)
	assert.Equal(t, ProviderCerebras, oss[0].Provider)
	assert.Equal(t, ProviderOpenRouter, oss[1].Provider)

	oss[0].Name = "mutated"
	assert.Equal(t, "gpt-oss-120b", Supported(ModelGPTOSS120B)[0].Name)
	assert.Empty(t, Supported("unknown"))
}

func TestProviderModelName(t *testing.T) {
	name, err := ProviderModelName(ModelClaudeSonnet45, ProviderOpenRouter)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4.5", name)

	_, err = ProviderModelName(ModelClaudeSonnet45, ProviderCerebras)
	assert.Error(t, err)
}

func TestProviderBaseURL(t *testing.T) {
	u, ok := ProviderOpenRouter.BaseURL()
	assert.True(t, ok)
	assert.Equal(t, "https://openrouter.ai/api/v1", u)

	_, ok = ProviderID("gemini").BaseURL()
	assert.False(t, ok)
}
