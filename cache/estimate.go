package cache

import (
	"math"
	"unicode/utf16"

	"github.com/nuabase/castgate/stablehash"
	"github.com/nuabase/castgate/usage"
)

// Estimator splits one batch-level usage measurement across rows. The
// provider only reports totals, so any implementation is an approximation.
type Estimator interface {
	Estimate(inputs, outputs []any, total usage.Usage) []usage.Usage
}

// ProportionalEstimator attributes prompt tokens by each input row's
// serialized length and completion tokens by each output row's serialized
// length. Per-row values are rounded independently, so their sum can drift
// from the total by up to one token per row.
type ProportionalEstimator struct{}

var _ Estimator = ProportionalEstimator{}

// Estimate returns one usage per input row. outputs[i] is paired with
// inputs[i]. Either slice being empty yields an empty result.
func (ProportionalEstimator) Estimate(inputs, outputs []any, total usage.Usage) []usage.Usage {
	if len(inputs) == 0 || len(outputs) == 0 {
		return []usage.Usage{}
	}

	inLens, sumIn := lengths(inputs)
	outLens, sumOut := lengths(outputs)

	out := make([]usage.Usage, len(inputs))
	for i := range inputs {
		prompt := int(math.Round(float64(total.PromptTokens) * float64(inLens[i]) / float64(sumIn)))
		completion := 0
		if i < len(outLens) {
			completion = int(math.Round(float64(total.CompletionTokens) * float64(outLens[i]) / float64(sumOut)))
		}
		out[i] = usage.New(prompt, completion)
	}
	return out
}

func lengths(rows []any) ([]int, int) {
	lens := make([]int, len(rows))
	sum := 0
	for i, r := range rows {
		n := 1
		if b, err := stablehash.Marshal(r); err == nil {
			n = max(1, utf16Len(b))
		}
		lens[i] = n
		sum += n
	}
	return lens, sum
}

// utf16Len measures serialized JSON in UTF-16 code units, the length a
// JavaScript string reports, so splits agree with existing cache entries.
func utf16Len(b []byte) int {
	n := 0
	for _, r := range string(b) {
		n += max(1, utf16.RuneLen(r))
	}
	return n
}

// EstimateRowTokensByPK runs est over matched input/output pairs and keys
// the result by each output row's primary key.
func EstimateRowTokensByPK(est Estimator, inputs, outputs []Row, total usage.Usage, primaryKey string) map[PK]usage.Usage {
	in := make([]any, len(inputs))
	for i, r := range inputs {
		in[i] = r
	}
	out := make([]any, len(outputs))
	for i, r := range outputs {
		out[i] = r
	}

	perRow := est.Estimate(in, out, total)
	byPK := make(map[PK]usage.Usage, len(perRow))
	for i, row := range outputs {
		if i >= len(perRow) {
			break
		}
		if pk, ok := PKOf(row[primaryKey]); ok {
			byPK[pk] = perRow[i]
		}
	}
	return byPK
}
