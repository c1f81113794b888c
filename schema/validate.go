package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const resourceURL = "castgate://schema.json"

// Validator checks decoded JSON values against one compiled schema.
type Validator struct {
	schema *jsonschema.Schema
	draft  *jsonschema.Draft
}

// DraftFor picks the draft a schema is compiled with. Only the $schema
// marker is consulted: 2020-12 and 2019-09 are recognised, anything else
// falls back to draft-07.
func DraftFor(s map[string]any) *jsonschema.Draft {
	marker, _ := s["$schema"].(string)
	switch {
	case strings.Contains(marker, "draft/2020-12"), strings.Contains(marker, "draft-2020-12"):
		return jsonschema.Draft2020
	case strings.Contains(marker, "2019-09"):
		return jsonschema.Draft2019
	default:
		return jsonschema.Draft7
	}
}

// Compile checks s against its draft's metaschema and prepares it for
// validation.
func Compile(s map[string]any) (*Validator, error) {
	if s == nil {
		return nil, fmt.Errorf("Unable to validate JSON schema: schema must be a valid object")
	}

	draft := DraftFor(s)

	// The marker has already picked the draft; dropping it keeps unknown
	// metaschema URLs from being fetched.
	doc := make(map[string]any, len(s))
	for k, v := range s {
		if k != "$schema" {
			doc[k] = v
		}
	}
	loaded, err := reload(doc)
	if err != nil {
		return nil, fmt.Errorf("Unable to validate JSON schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(draft)
	if err := c.AddResource(resourceURL, loaded); err != nil {
		return nil, fmt.Errorf("Unable to validate JSON schema: %w", err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("Unable to validate JSON schema: %w", err)
	}
	return &Validator{schema: compiled, draft: draft}, nil
}

// Validate reports the first set of violations of v, or nil.
func (v *Validator) Validate(value any) error {
	loaded, err := reload(value)
	if err != nil {
		return err
	}
	return v.schema.Validate(loaded)
}

// Draft returns the draft the schema was compiled with.
func (v *Validator) Draft() *jsonschema.Draft {
	return v.draft
}

// reload re-decodes v with the library's own decoder so numbers keep
// their exact representation.
func reload(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
