package cache

import (
	"encoding/json"
	"fmt"

	"github.com/nuabase/castgate/usage"
)

// EntryFormat identifies which on-disk shape a cached value was read from.
type EntryFormat int

const (
	// FormatLegacy is a bare JSON value written before usage was tracked.
	FormatLegacy EntryFormat = iota
	// FormatWithUsage is {"result": ..., "usage": {...}}.
	FormatWithUsage
)

func (f EntryFormat) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatWithUsage:
		return "with-usage"
	default:
		return fmt.Sprintf("EntryFormat(%d)", int(f))
	}
}

// Entry is one decoded cache value.
type Entry struct {
	Result any
	Usage  usage.Usage
	Format EntryFormat
}

type entryWire struct {
	Result any         `json:"result"`
	Usage  usage.Usage `json:"usage"`
}

// EncodeEntry serializes result and u in the current format.
func EncodeEntry(result any, u usage.Usage) (string, error) {
	b, err := json.Marshal(entryWire{Result: result, Usage: u})
	if err != nil {
		return "", fmt.Errorf("encode cache entry: %w", err)
	}
	return string(b), nil
}

// DecodeEntry parses a stored value. An object carrying both "result" and
// "usage" is the current format; anything else is a legacy bare value with
// zero usage.
func DecodeEntry(raw string) (Entry, error) {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}

	switch probe(parsed) {
	case FormatWithUsage:
		obj := parsed.(map[string]any)
		u, err := decodeUsage(obj["usage"])
		if err != nil {
			return Entry{}, err
		}
		return Entry{Result: obj["result"], Usage: u, Format: FormatWithUsage}, nil
	case FormatLegacy:
		return Entry{Result: parsed, Usage: usage.Zero, Format: FormatLegacy}, nil
	default:
		return Entry{}, fmt.Errorf("decode cache entry: unknown format")
	}
}

func probe(parsed any) EntryFormat {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return FormatLegacy
	}
	_, hasResult := obj["result"]
	_, hasUsage := obj["usage"]
	if hasResult && hasUsage {
		return FormatWithUsage
	}
	return FormatLegacy
}

func decodeUsage(v any) (usage.Usage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return usage.Zero, fmt.Errorf("decode cache entry usage: %w", err)
	}
	var u usage.Usage
	if err := json.Unmarshal(b, &u); err != nil {
		return usage.Zero, fmt.Errorf("decode cache entry usage: %w", err)
	}
	return u, nil
}
