package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuabase/castgate/usage"
)

func TestDecodeEntry(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantResult any
		wantUsage  usage.Usage
		wantFormat EntryFormat
		wantErr    bool
	}{
		{
			name:       "current format",
			raw:        `{"result":{"a":1},"usage":{"promptTokens":3,"completionTokens":2,"totalTokens":5}}`,
			wantResult: map[string]any{"a": float64(1)},
			wantUsage:  usage.New(3, 2),
			wantFormat: FormatWithUsage,
		},
		{
			name:       "legacy object",
			raw:        `{"a":1}`,
			wantResult: map[string]any{"a": float64(1)},
			wantFormat: FormatLegacy,
		},
		{
			name:       "legacy object with only result",
			raw:        `{"result":"x"}`,
			wantResult: map[string]any{"result": "x"},
			wantFormat: FormatLegacy,
		},
		{
			name:       "legacy scalar",
			raw:        `"plain"`,
			wantResult: "plain",
			wantFormat: FormatLegacy,
		},
		{
			name:       "null result",
			raw:        `{"result":null,"usage":{"promptTokens":0,"completionTokens":0,"totalTokens":0}}`,
			wantFormat: FormatWithUsage,
		},
		{
			name:    "bad usage",
			raw:     `{"result":1,"usage":"lots"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEntry(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, got.Result)
			assert.Equal(t, tt.wantUsage, got.Usage)
			assert.Equal(t, tt.wantFormat, got.Format)
		})
	}
}

func TestEncodeEntry(t *testing.T) {
	raw, err := EncodeEntry([]any{"x"}, usage.New(1, 2))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":["x"],"usage":{"promptTokens":1,"completionTokens":2,"totalTokens":3}}`, raw)

	got, err := DecodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, FormatWithUsage, got.Format)
	assert.Equal(t, "with-usage", got.Format.String())
}
