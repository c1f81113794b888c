package execution

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nuabase/castgate/cache"
	"github.com/nuabase/castgate/llm"
	"github.com/nuabase/castgate/prompt"
	"github.com/nuabase/castgate/requests"
	"github.com/nuabase/castgate/schema"
	"github.com/nuabase/castgate/usage"
)

// castArray serves the cached rows and sends only the rest to the LLM. The
// LLM answer is validated as a whole against the wrapped array schema.
func (e *Executor) castArray(ctx context.Context, rec *requests.Record, effective map[string]any, model llm.Model, logger *zap.Logger) (Response, error) {
	var rows []cache.Row
	if err := json.Unmarshal(rec.InputData, &rows); err != nil {
		return nil, fmt.Errorf("unexpected-situation. Invalid data stored in llm record. %w", err)
	}

	checked, err := cache.CheckArrayCache(ctx, e.cache, rows, cache.KeyContext{
		RequestType:     string(rec.RequestType),
		OutputName:      rec.OutputName,
		Prompt:          rec.InputPrompt,
		PrimaryKey:      rec.InputPrimaryKey,
		EffectiveSchema: effective,
	}, rec.InvalidateCache)
	if err != nil {
		return nil, err
	}
	if !rec.InvalidateCache {
		e.countLookup("row", "hit", len(checked.CacheHitsByPK))
		e.countLookup("row", "miss", len(checked.UncachedRows))
		e.countLookup("row", "error", len(checked.Errors))
	}

	var (
		outputRows []cache.Row
		spent      = usage.Zero
	)
	if len(checked.UncachedRows) > 0 {
		outputRows, spent, err = e.callArray(ctx, rec, effective, model, checked.UncachedRows)
		if err != nil {
			return nil, err
		}
	}

	stored, err := checked.StoreResults(ctx, e.cache, outputRows, spent, cache.StoreOptions{
		TTL:       e.cacheTTL,
		Estimator: e.estimator,
		Logger:    logger,
	})
	if err != nil {
		return nil, withSpent(err, spent)
	}

	assembled, err := checked.Assemble(stored)
	if err != nil {
		return nil, withSpent(err, spent)
	}

	for _, rowErr := range checked.Errors {
		logger.Warn("row excluded from cache",
			zap.Int("row_index", rowErr.RowIndex),
			zap.String("reason", string(rowErr.Reason)),
			zap.String("message", rowErr.Message))
	}

	return &ArrayResult{
		Kind:              requests.TypeArray,
		IsSuccess:         true,
		LLMRequestID:      rec.ID,
		Data:              assembled.Data,
		CacheHits:         assembled.CacheHitCount,
		RowsWithNoResults: assembled.RowsWithNoResults,
		LLMUsage:          spent,
		CacheUsage:        assembled.CacheUsage,
	}, nil
}

// callArray asks the LLM for the uncached rows and saves the prompt that
// was actually sent.
func (e *Executor) callArray(ctx context.Context, rec *requests.Record, effective map[string]any, model llm.Model, uncached []cache.Row) ([]cache.Row, usage.Usage, error) {
	validator, err := schema.Compile(effective)
	if err != nil {
		return nil, usage.Zero, fmt.Errorf("Cast array failed: %w", err)
	}
	full, err := prompt.BuildArray(prompt.ArrayInput{
		Prompt:          rec.InputPrompt,
		PrimaryKey:      rec.InputPrimaryKey,
		OutputName:      rec.OutputName,
		EffectiveSchema: effective,
	}, uncached)
	if err != nil {
		return nil, usage.Zero, err
	}

	res, err := e.llm.Call(ctx, llm.CallParams{
		Prompt:      full,
		Model:       model,
		MaxTokens:   rec.MaxTokens,
		MaxAttempts: e.maxAttempts,
		Validate:    validator.Validate,
	})
	if err != nil {
		return nil, usage.Zero, fmt.Errorf("Cast array failed: %w", err)
	}

	items, ok := res.Data.([]any)
	if !ok {
		return nil, res.Usage, withSpent(fmt.Errorf("Cast array failed: expected an array, got %T", res.Data), res.Usage)
	}
	out := make([]cache.Row, 0, len(items))
	for i, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, res.Usage, withSpent(fmt.Errorf("Cast array failed: item %d is %T, not an object", i, item), res.Usage)
		}
		out = append(out, row)
	}

	if _, err := e.requests.Update(ctx, rec.ID, requests.Patch{FullPrompt: requests.Ptr(full)}); err != nil {
		return nil, res.Usage, withSpent(fmt.Errorf("save full prompt: %w", err), res.Usage)
	}
	return out, res.Usage, nil
}
