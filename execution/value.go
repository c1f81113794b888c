package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nuabase/castgate/cache"
	"github.com/nuabase/castgate/llm"
	"github.com/nuabase/castgate/prompt"
	"github.com/nuabase/castgate/requests"
	"github.com/nuabase/castgate/schema"
	"github.com/nuabase/castgate/usage"
)

func (e *Executor) castValue(ctx context.Context, rec *requests.Record, effective map[string]any, model llm.Model, logger *zap.Logger) (Response, error) {
	var data any
	if len(rec.InputData) > 0 {
		if err := json.Unmarshal(rec.InputData, &data); err != nil {
			return nil, fmt.Errorf("unexpected-situation. Invalid data stored in llm record. %w", err)
		}
	}

	vc, err := cache.NewValueCache(e.cache, cache.KeyContext{
		RequestType:     string(rec.RequestType),
		OutputName:      rec.OutputName,
		Prompt:          rec.InputPrompt,
		PrimaryKey:      rec.InputPrimaryKey,
		EffectiveSchema: effective,
	}, data, e.cacheTTL)
	if err != nil {
		return nil, err
	}

	result := &ValueResult{
		Kind:         requests.TypeValue,
		IsSuccess:    true,
		LLMRequestID: rec.ID,
		Model:        string(model),
	}

	if !rec.InvalidateCache {
		hit, err := vc.Get(ctx, false)
		switch {
		case err != nil:
			// A broken entry is recomputed and overwritten.
			e.countLookup("value", "error", 1)
			logger.Warn("value cache lookup failed", zap.String("key", vc.Key()), zap.Error(err))
		case hit.Hit:
			e.countLookup("value", "hit", 1)
			result.Data = hit.Value
			result.IsCacheHit = true
			result.LLMUsage = usage.Zero
			result.CacheUsage = hit.Usage
			return result, nil
		default:
			e.countLookup("value", "miss", 1)
		}
	}

	validator, err := schema.Compile(effective)
	if err != nil {
		return nil, fmt.Errorf("Cast value failed: %w", err)
	}
	full, err := prompt.BuildValue(prompt.ValueInput{
		Prompt:          rec.InputPrompt,
		OutputName:      rec.OutputName,
		EffectiveSchema: effective,
		Data:            data,
	})
	if err != nil {
		return nil, err
	}

	res, err := e.llm.Call(ctx, llm.CallParams{
		Prompt:      full,
		Model:       model,
		MaxTokens:   rec.MaxTokens,
		MaxAttempts: e.maxAttempts,
		Validate:    validator.Validate,
	})
	if err != nil {
		return nil, fmt.Errorf("Cast value failed: %w", err)
	}
	if falsy(res.Data) {
		return nil, withSpent(errors.New("Cast value failed: empty result"), res.Usage)
	}

	if err := vc.Set(ctx, res.Data, res.Usage); err != nil {
		logger.Warn("value cache write failed", zap.String("key", vc.Key()), zap.Error(err))
	}

	result.Data = res.Data
	result.LLMUsage = res.Usage
	result.CacheUsage = usage.Zero
	return result, nil
}

// falsy reports the values a cast/value result may not be: null, false,
// zero and the empty string.
func falsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case float64:
		return t == 0
	case json.Number:
		return t == "0"
	case string:
		return t == ""
	}
	return false
}
