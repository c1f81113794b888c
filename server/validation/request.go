// Package validation turns cast request bodies into request records. Every
// rejection carries the message shown to API callers.
package validation

import "encoding/json"

// CastRequest is the body of POST /cast/value and POST /cast/array.
// Fields are checked in declaration order; the first failure wins.
type CastRequest struct {
	Model   string   `json:"model"`
	Input   *Input   `json:"input" validate:"required"`
	Output  *Output  `json:"output" validate:"required"`
	Options *Options `json:"options"`
	Notify  *Notify  `json:"notify"`
}

// Input is what the model is asked to cast.
type Input struct {
	Prompt string          `json:"prompt" validate:"required"`
	Data   json.RawMessage `json:"data"`
	// PrimaryKey names the row id field of cast/array data. It is kept
	// raw so a wrong type is reported in order with the other checks.
	PrimaryKey json.RawMessage `json:"primaryKey"`
}

// Output describes the value the model must produce.
type Output struct {
	Schema map[string]any `json:"schema" validate:"required"`
	Name   string         `json:"name" validate:"required"`
}

// Options tune a single request.
type Options struct {
	InvalidateCache bool `json:"invalidateCache"`
}

// Notify configures completion delivery.
type Notify struct {
	WebhookURL string         `json:"webhookUrl" validate:"omitempty,url"`
	Metadata   map[string]any `json:"metadata"`
}

// Kind classifies a rejection.
type Kind int

const (
	// KindValidation is a well-formed body with invalid content.
	KindValidation Kind = iota
	// KindBadRequest is a body that is not a JSON object.
	KindBadRequest
	// KindInternal is a failure that is the server's fault.
	KindInternal
)

// Error is a rejected request.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

func invalid(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}
