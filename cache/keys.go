package cache

import (
	"fmt"

	"github.com/nuabase/castgate/stablehash"
)

const (
	valuePrefix = "value"
	rowPrefix   = "mapped-row"
)

// KeyContext is the request-level shape shared by every value or row of
// one logical request. It is never stored; only its hash is.
type KeyContext struct {
	RequestType     string
	OutputName      string
	Prompt          string
	PrimaryKey      string // array requests only
	EffectiveSchema map[string]any
}

// Hash returns the context key.
func (k KeyContext) Hash() (string, error) {
	fields := map[string]any{
		"requestType":     k.RequestType,
		"outputName":      k.OutputName,
		"prompt":          k.Prompt,
		"effectiveSchema": k.EffectiveSchema,
	}
	if k.PrimaryKey != "" {
		fields["primaryKey"] = k.PrimaryKey
	}
	h, err := stablehash.HashObject(fields)
	if err != nil {
		return "", fmt.Errorf("hash cache context: %w", err)
	}
	return h, nil
}

// ValueKey is the cache key of a whole value payload.
func ValueKey(data any, contextKey string) (string, error) {
	h, err := stablehash.HashObject(data)
	if err != nil {
		return "", fmt.Errorf("hash value payload: %w", err)
	}
	return valuePrefix + ":" + h + ":" + contextKey, nil
}

// RowKey is the cache key of one input row.
func RowKey(row Row, contextKey string) (string, error) {
	h, err := stablehash.HashObject(map[string]any(row))
	if err != nil {
		return "", fmt.Errorf("hash row: %w", err)
	}
	return rowPrefix + ":" + h + ":" + contextKey, nil
}
