package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuabase/castgate/usage"
)

func TestProportionalEstimator(t *testing.T) {
	est := ProportionalEstimator{}

	t.Run("longer row gets more prompt tokens", func(t *testing.T) {
		inputs := []any{"a", "this is longer"}
		outputs := []any{"x", "y"}
		got := est.Estimate(inputs, outputs, usage.New(100, 10))

		require.Len(t, got, 2)
		assert.Greater(t, got[1].PromptTokens, got[0].PromptTokens)
		for _, u := range got {
			assert.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)
		}
	})

	t.Run("sum stays within one token per row", func(t *testing.T) {
		inputs := []any{
			map[string]any{"id": "1", "v": "abc"},
			map[string]any{"id": "2", "v": "defgh"},
			map[string]any{"id": "3", "v": "i"},
		}
		total := usage.New(101, 37)
		got := est.Estimate(inputs, inputs, total)

		var sum usage.Usage
		for _, u := range got {
			sum = sum.Add(u)
		}
		assert.InDelta(t, total.PromptTokens, sum.PromptTokens, float64(len(inputs)))
		assert.InDelta(t, total.CompletionTokens, sum.CompletionTokens, float64(len(inputs)))
	})

	t.Run("empty sides", func(t *testing.T) {
		assert.Empty(t, est.Estimate(nil, []any{"x"}, usage.New(1, 1)))
		assert.Empty(t, est.Estimate([]any{"x"}, nil, usage.New(1, 1)))
	})

	t.Run("zero usage", func(t *testing.T) {
		got := est.Estimate([]any{"x"}, []any{"y"}, usage.Zero)
		assert.Equal(t, []usage.Usage{usage.Zero}, got)
	})
}

func TestProportionalEstimator_CountsUTF16Units(t *testing.T) {
	// Each emoji is two UTF-16 units, so both rows serialize to six units.
	got := ProportionalEstimator{}.Estimate(
		[]any{"😀😀", "abcd"},
		[]any{"é", "e"},
		usage.New(100, 10),
	)
	require.Len(t, got, 2)
	assert.Equal(t, 50, got[0].PromptTokens)
	assert.Equal(t, 50, got[1].PromptTokens)
	assert.Equal(t, 5, got[0].CompletionTokens)
	assert.Equal(t, 5, got[1].CompletionTokens)
}

func TestEstimateRowTokensByPK(t *testing.T) {
	inputs := []Row{
		{"id": "s", "short": "a"},
		{"id": "l", "longer": "this is longer than the other one"},
	}
	outputs := []Row{
		{"id": "s", "out": "1"},
		{"id": "l", "out": "2"},
	}

	got := EstimateRowTokensByPK(ProportionalEstimator{}, inputs, outputs, usage.New(100, 20), "id")
	require.Len(t, got, 2)

	short, _ := PKOf("s")
	long, _ := PKOf("l")
	assert.Greater(t, got[long].PromptTokens, got[short].PromptTokens)
	assert.Equal(t, got[long].PromptTokens+got[long].CompletionTokens, got[long].TotalTokens)
}
