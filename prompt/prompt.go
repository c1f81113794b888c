// Package prompt builds the LLM prompts for cast/value and cast/array
// requests.
//
// A prompt is four lines: the caller's instruction, a system section that
// names the output, the effective JSON schema, and the input data. The
// templates are parsed once at package init so a broken template fails at
// startup rather than on the first request.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/nuabase/castgate/stablehash"
)

// DefaultInstruction stands in for an empty caller prompt.
const DefaultInstruction = "Transform the provided data according to the schema."

const (
	outputTypeVar = "OUTPUT_TYPE_NAME"
	primaryKeyVar = "PRIMARY_KEY"
)

// Var returns the placeholder token for name as it appears in system
// prompts.
func Var(name string) string {
	return "<<{" + name + "}>>"
}

// Replace substitutes every placeholder for name in s.
func Replace(s, name, value string) string {
	return strings.ReplaceAll(s, Var(name), value)
}

var valueSystem = strings.Join([]string{
	"Please respond with a single JSON object that represents '" + Var(outputTypeVar) + "'.",
	"The schema for this object (which uses the JSON Schema spec), is defined below for your reference.",
	"Your task is to create an instance of this object. Respond with only the instance, not the schema.",
	"Your entire response should be just the value of '" + Var(outputTypeVar) + "', as valid JSON.",
	"And it should not be wrapped in any wrapper object -- return exactly what the JSON schema is expecting.",
	"We will validate the result with a JSON Schema validator against the given schema, and we expect",
	"it to validate correctly.",
}, " ")

var arraySystem = strings.Join([]string{
	"Your task is to transform the provided <input-data> into a JSON array, that represents a list of",
	Var(outputTypeVar) + ". The schema for this JSON array is defined below in <json-schema-spec> for you reference.",
	"It uses the JSON Schema spec.",
	"Respond with only the instance, not the schema. It should not be wrapped in any wrapper object -- return exactly what the JSON schema is expecting.",
	"Your entire response should be just the value of the JSON array containing objects with '" + Var(outputTypeVar) + "'",
	"and its primary key '" + Var(primaryKeyVar) + "', as valid JSON.",
	"We will validate the result with a JSON Schema validator against the JSON schema, and we expect it to validate correctly.",
	"Note that the primary key of each element in the input-data is '" + Var(primaryKeyVar) + "'. In the output JSON array,",
	"each object should have the same key with the same value of the original data, so we can map the input element against the output element.",
}, " ")

var fullPrompt = template.Must(template.New("full").Parse(
	"{{.Instruction}}\n" +
		"{{.System}}\n" +
		"<json-schema-spec> {{.Schema}} </json-schema-spec>\n" +
		"{{if .HasData}}<input-data>{{.Data}}</input-data>{{end}}",
))

type fullPromptData struct {
	Instruction string
	System      string
	Schema      string
	HasData     bool
	Data        string
}

// ValueInput is what BuildValue needs from a cast/value request.
type ValueInput struct {
	Prompt          string
	OutputName      string
	EffectiveSchema any
	Data            any
}

// ArrayInput is what BuildArray needs from a cast/array request.
type ArrayInput struct {
	Prompt          string
	PrimaryKey      string
	OutputName      string
	EffectiveSchema any
}

// ValueSystemPrompt is the system section of a cast/value prompt.
func ValueSystemPrompt(outputName string) string {
	return Replace(valueSystem, outputTypeVar, outputName)
}

// ArraySystemPrompt is the system section of a cast/array prompt.
func ArraySystemPrompt(primaryKey, outputName string) string {
	s := Replace(arraySystem, primaryKeyVar, primaryKey)
	return Replace(s, outputTypeVar, outputName)
}

// BuildValue renders the cast/value prompt. Empty data (null, false, zero,
// or "") leaves the input line blank.
func BuildValue(in ValueInput) (string, error) {
	d := fullPromptData{
		Instruction: instruction(in.Prompt),
		System:      ValueSystemPrompt(in.OutputName),
	}
	var err error
	if d.Schema, err = encode(in.EffectiveSchema); err != nil {
		return "", err
	}
	if d.HasData = present(in.Data); d.HasData {
		if d.Data, err = encode(in.Data); err != nil {
			return "", err
		}
	}
	return render(d)
}

// BuildArray renders the cast/array prompt for rows, which should be only
// the rows that still need an answer.
func BuildArray(in ArrayInput, rows []map[string]any) (string, error) {
	if rows == nil {
		rows = []map[string]any{}
	}
	d := fullPromptData{
		Instruction: instruction(in.Prompt),
		System:      ArraySystemPrompt(in.PrimaryKey, in.OutputName),
		HasData:     true,
	}
	var err error
	if d.Schema, err = encode(in.EffectiveSchema); err != nil {
		return "", err
	}
	if d.Data, err = encode(rows); err != nil {
		return "", err
	}
	return render(d)
}

func render(d fullPromptData) (string, error) {
	var buf bytes.Buffer
	if err := fullPrompt.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func instruction(p string) string {
	if p == "" {
		return DefaultInstruction
	}
	return p
}

func encode(v any) (string, error) {
	b, err := stablehash.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode prompt section: %w", err)
	}
	return string(b), nil
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
