// Package errors is the gateway's HTTP error layer: a typed GatewayError
// with a JSON body, constructors for each error category, a panic
// recovering handler, and the package logger used when a component has
// none of its own.
//
// Handlers reject a request with one of the constructors:
//
//	errors.WriteError(w, errors.NewValidationError(requestID, "input.prompt must be provided", nil))
//
// or, for a one-off, with ErrorWithType:
//
//	errors.ErrorWithType(w, "LLM request not found", errors.NotFoundError, http.StatusNotFound)
//
// Execution outcomes are not GatewayErrors. A failed cast is a normal
// response body of the execution package.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DefaultLogger is used by code that was not handed a logger. It starts as
// a production logger and can be replaced with SetLogger.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger replaces DefaultLogger. A nil logger is ignored.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorType is the category of a GatewayError. It is the "type" field of
// the JSON body.
type ErrorType string

const (
	// AuthError is a missing or unknown API key.
	AuthError ErrorType = "authentication_error"

	// ValidationError is a request whose shape or schema is invalid.
	ValidationError ErrorType = "validation_error"

	// BadRequestError is a body that cannot be decoded at all.
	BadRequestError ErrorType = "bad_request"

	// NotFoundError is an unknown resource.
	NotFoundError ErrorType = "not_found"

	// RateLimitError is a client over its request rate.
	RateLimitError ErrorType = "rate_limit_error"

	// ProviderError is an LLM provider failure surfaced synchronously.
	ProviderError ErrorType = "provider_error"

	// TimeoutError is a request that ran past the server's deadline.
	TimeoutError ErrorType = "timeout_error"

	// ConfigError is a configuration problem.
	ConfigError ErrorType = "config_error"

	// InternalError is anything unexpected.
	InternalError ErrorType = "internal_error"
)

// GatewayError is an error with an HTTP status and a JSON body.
type GatewayError struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	Code      int                    `json:"-"`
	RequestID string                 `json:"request_id"`
	Details   map[string]interface{} `json:"details,omitempty"`

	err error
}

func (e *GatewayError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.err
}

// Is matches any GatewayError of the same type.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WriteError writes err as a JSON body with its status code.
func WriteError(w http.ResponseWriter, err *GatewayError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	if encErr := json.NewEncoder(w).Encode(err); encErr != nil {
		DefaultLogger.Warn("failed to write error body", zap.Error(encErr))
	}
}

// Error is http.Error with a JSON body of type InternalError. The request
// id is taken from the response headers.
func Error(w http.ResponseWriter, message string, code int) {
	ErrorWithType(w, message, InternalError, code)
}

// ErrorWithType is Error with an explicit type.
func ErrorWithType(w http.ResponseWriter, message string, errType ErrorType, code int) {
	WriteError(w, &GatewayError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}
