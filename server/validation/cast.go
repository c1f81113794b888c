package validation

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nuabase/castgate/llm"
	"github.com/nuabase/castgate/prompt"
	"github.com/nuabase/castgate/requests"
	"github.com/nuabase/castgate/schema"
	"github.com/nuabase/castgate/stablehash"
)

const defaultPrimaryKey = "id"

// Messages for each checked field, keyed by JSON path.
var fieldMessages = map[string]string{
	"input":                   "input.prompt must be provided",
	"input.prompt":            "input.prompt must be provided",
	"output":                  "output.schema must exist and be a valid JSON schema object",
	"output.schema":           "output.schema must exist and be a valid JSON schema object",
	"output.name":             "output.name must be a non-empty string",
	"model":                   "model must be a string",
	"options":                 "options must be an object",
	"options.invalidateCache": "options.invalidateCache must be a boolean",
	"notify":                  "notify must be an object",
	"notify.webhookUrl":       "notify.webhookUrl must be a valid URL",
	"notify.metadata":         "notify.metadata must be an object",
}

// Checked before the schema is compiled and the model resolved.
var shapeOrder = []string{"input", "input.prompt", "output", "output.schema", "output.name"}

// Checked after every core rule passed.
var trailingOrder = []string{"model", "options", "options.invalidateCache", "notify", "notify.webhookUrl", "notify.metadata"}

// Defaults are the generation settings stored on every new record.
type Defaults struct {
	// Model is used when a request names none. Empty means "fast".
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	Provider    string
}

// Validator checks cast request bodies.
type Validator struct {
	validate  *validator.Validate
	defaults  Defaults
	tokens    llm.Tokenizer
	maxTokens int
}

// Option configures a Validator.
type Option func(*Validator)

// WithPromptLimit rejects requests whose prompt and data exceed limit
// tokens as counted by t. A limit of 0 disables the check.
func WithPromptLimit(t llm.Tokenizer, limit int) Option {
	return func(v *Validator) {
		v.tokens = t
		v.maxTokens = limit
	}
}

func New(d Defaults, opts ...Option) *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	v := &Validator{validate: validate, defaults: d}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// parsed is a request that passed the checks shared by both endpoints.
type parsed struct {
	req    CastRequest
	model  llm.Model
	schema map[string]any
	// deferred is a failure of a non-core field, reported only once the
	// endpoint specific checks have passed.
	deferred *Error
}

// CastValue validates a cast/value body and returns the record to store.
func (v *Validator) CastValue(body []byte) (requests.NewRecord, error) {
	p, err := v.parse(body)
	if err != nil {
		return requests.NewRecord{}, err
	}
	if p.deferred != nil {
		return requests.NewRecord{}, p.deferred
	}

	var data any
	if len(p.req.Input.Data) > 0 {
		if err := json.Unmarshal(p.req.Input.Data, &data); err != nil {
			return requests.NewRecord{}, &Error{Kind: KindBadRequest, Field: "input.data", Message: "input.data is not valid JSON", Err: err}
		}
	}

	full, err := prompt.BuildValue(prompt.ValueInput{
		Prompt:          p.req.Input.Prompt,
		OutputName:      p.req.Output.Name,
		EffectiveSchema: p.schema,
		Data:            data,
	})
	if err != nil {
		return requests.NewRecord{}, &Error{Kind: KindInternal, Message: err.Error(), Err: err}
	}
	if err := v.checkTokens(p.model, full); err != nil {
		return requests.NewRecord{}, err
	}

	schemaJSON, err := stablehash.Marshal(p.schema)
	if err != nil {
		return requests.NewRecord{}, &Error{Kind: KindInternal, Message: err.Error(), Err: err}
	}

	rec := v.record(p, requests.TypeValue)
	rec.InputData = normalizeData(p.req.Input.Data)
	rec.OutputSchema = schemaJSON
	rec.OutputEffectiveSchema = schemaJSON
	rec.SystemPrompt = prompt.ValueSystemPrompt(p.req.Output.Name)
	rec.FullPrompt = full
	return rec, nil
}

// CastArray validates a cast/array body and returns the record to store.
// Its effective schema is the item schema wrapped into an array of
// {primaryKey, outputName} objects.
func (v *Validator) CastArray(body []byte) (requests.NewRecord, error) {
	p, err := v.parse(body)
	if err != nil {
		return requests.NewRecord{}, err
	}

	pk, err := resolvePrimaryKey(p.req.Input.PrimaryKey)
	if err != nil {
		return requests.NewRecord{}, err
	}
	if p.req.Output.Name == pk {
		return requests.NewRecord{}, invalid("output.name", "output.name must be different from the input.primaryKey")
	}
	if err := validateMappableData(p.req.Input.Data, pk); err != nil {
		return requests.NewRecord{}, err
	}
	if p.deferred != nil {
		return requests.NewRecord{}, p.deferred
	}

	effective := schema.WrapArray(p.schema, pk, p.req.Output.Name)
	if _, err := schema.Compile(effective); err != nil {
		return requests.NewRecord{}, &Error{
			Kind:    KindInternal,
			Message: "unexpected-situation. Wrapping schema into array schema form creates an invalid schema: " + err.Error(),
			Err:     err,
		}
	}
	if err := v.checkTokens(p.model, p.req.Input.Prompt+string(p.req.Input.Data)); err != nil {
		return requests.NewRecord{}, err
	}

	schemaJSON, err := stablehash.Marshal(p.schema)
	if err != nil {
		return requests.NewRecord{}, &Error{Kind: KindInternal, Message: err.Error(), Err: err}
	}
	effectiveJSON, err := stablehash.Marshal(effective)
	if err != nil {
		return requests.NewRecord{}, &Error{Kind: KindInternal, Message: err.Error(), Err: err}
	}

	rec := v.record(p, requests.TypeArray)
	rec.InputData = p.req.Input.Data
	rec.InputPrimaryKey = pk
	rec.OutputSchema = schemaJSON
	rec.OutputEffectiveSchema = effectiveJSON
	rec.SystemPrompt = prompt.ArraySystemPrompt(pk, p.req.Output.Name)
	// Only uncached rows reach the model, so the full prompt is written
	// at execution time.
	rec.FullPrompt = ""
	return rec, nil
}

func (v *Validator) parse(body []byte) (*parsed, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, &Error{Kind: KindBadRequest, Field: "body", Message: "Request body must be a JSON object"}
	}

	p := &parsed{}
	failed := map[string]string{}

	// A mistyped field is left zero and the rest of the body still
	// decodes, so it is reported through the ordered checks below.
	if err := json.Unmarshal(body, &p.req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !stderrors.As(err, &typeErr) {
			return nil, &Error{Kind: KindBadRequest, Field: "body", Message: "Request body must be a JSON object", Err: err}
		}
		if msg, known := fieldMessages[typeErr.Field]; known {
			failed[typeErr.Field] = msg
		}
	}

	if err := v.validate.Struct(p.req); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			return nil, &Error{Kind: KindInternal, Message: err.Error(), Err: err}
		}
		for _, fe := range verrs {
			field := jsonPath(fe.Namespace())
			if _, seen := failed[field]; seen {
				continue
			}
			msg, ok := fieldMessages[field]
			if !ok {
				msg = fmt.Sprintf("%s failed the %q check", field, fe.Tag())
			}
			failed[field] = msg
		}
	}

	for _, field := range shapeOrder {
		if msg, ok := failed[field]; ok {
			return nil, invalid(field, msg)
		}
	}

	compiled := p.req.Output.Schema
	if _, err := schema.Compile(compiled); err != nil {
		return nil, &Error{Kind: KindValidation, Field: "output.schema", Message: err.Error(), Err: err}
	}
	p.schema = compiled

	name := p.req.Model
	if name == "" {
		name = v.defaults.Model
	}
	model, err := llm.ParseModel(name)
	if err != nil {
		return nil, invalid("model", err.Error())
	}
	p.model = model

	for _, field := range trailingOrder {
		if msg, ok := failed[field]; ok {
			p.deferred = invalid(field, msg)
			break
		}
	}
	return p, nil
}

func (v *Validator) record(p *parsed, t requests.Type) requests.NewRecord {
	rec := requests.NewRecord{
		RequestType: t,
		InputPrompt: p.req.Input.Prompt,
		OutputName:  p.req.Output.Name,
		Model:       string(p.model),
		MaxTokens:   v.defaults.MaxTokens,
		Temperature: v.defaults.Temperature,
		MaxRetries:  v.defaults.MaxRetries,
		Provider:    v.defaults.Provider,
	}
	if p.req.Options != nil {
		rec.InvalidateCache = p.req.Options.InvalidateCache
	}
	if p.req.Notify != nil {
		rec.WebhookURL = p.req.Notify.WebhookURL
	}
	return rec
}

func (v *Validator) checkTokens(model llm.Model, text string) error {
	if v.tokens == nil || v.maxTokens <= 0 {
		return nil
	}
	if n := v.tokens.Count(string(model), text); n > v.maxTokens {
		return invalid("input", fmt.Sprintf("input exceeds the limit of %d tokens (counted %d)", v.maxTokens, n))
	}
	return nil
}

// resolvePrimaryKey defaults to "id" and trims surrounding space.
func resolvePrimaryKey(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return defaultPrimaryKey, nil
	}
	var pk string
	if err := json.Unmarshal(raw, &pk); err == nil {
		if pk = strings.TrimSpace(pk); pk != "" {
			return pk, nil
		}
	}
	return "", invalid("input.primaryKey", "input.primaryKey must be a non-empty string")
}

// validateMappableData requires an array of objects that each have the
// primary key and at least one other field.
func validateMappableData(raw json.RawMessage, pk string) error {
	var rows []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &rows) != nil || rows == nil {
		return invalid("input.data", "input.data must be an array")
	}

	msg := fmt.Sprintf("Each item in 'data' must be an object with at least one key including the primary key '%s'", pk)
	for _, row := range rows {
		var obj map[string]json.RawMessage
		if json.Unmarshal(row, &obj) != nil || obj == nil {
			return invalid("input.data", msg)
		}
		if _, ok := obj[pk]; !ok || len(obj) < 2 {
			return invalid("input.data", msg)
		}
	}
	return nil
}

// normalizeData stores an absent data field as nothing rather than null.
func normalizeData(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// jsonPath turns "CastRequest.output.name" into "output.name".
func jsonPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}
