// Package schema builds and validates the JSON Schemas sent to the LLM.
package schema

// WrapArray turns a single-item schema into the batch schema used for
// cast/array requests: an array of objects that each carry the primary key
// and the item under outputName.
//
// The item schema is embedded unmodified. A string $schema marker on the
// item is copied to the top level so the same draft is used for both.
func WrapArray(item map[string]any, primaryKey, outputName string) map[string]any {
	wrapped := map[string]any{
		"type": "array",
		"items": map[string]any{
			"type":     "object",
			"required": []any{primaryKey, outputName},
			"properties": map[string]any{
				primaryKey: map[string]any{
					"anyOf": []any{
						map[string]any{"type": "string"},
						map[string]any{"type": "number"},
						map[string]any{"type": "integer"},
					},
				},
				outputName: item,
			},
		},
	}
	if draft, ok := item["$schema"].(string); ok {
		wrapped["$schema"] = draft
	}
	return wrapped
}

// UnwrapArray extracts the item schema stored under outputName from a
// schema produced by WrapArray. It reports false when wrapped is not
// array-shaped or has no such property.
func UnwrapArray(wrapped map[string]any, outputName string) (map[string]any, bool) {
	items, ok := wrapped["items"].(map[string]any)
	if !ok {
		return nil, false
	}
	props, ok := items["properties"].(map[string]any)
	if !ok {
		return nil, false
	}
	item, ok := props[outputName].(map[string]any)
	return item, ok
}
