package errors

import (
	"net/http"
)

// NewError creates a GatewayError with every field given. Prefer one of
// the typed constructors below.
func NewError(errType ErrorType, message string, code int, requestID string, details map[string]interface{}, err error) *GatewayError {
	return &GatewayError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewAuthError is a 401 for a missing or unknown API key.
func NewAuthError(requestID, message string, err error) *GatewayError {
	return &GatewayError{
		Type:      AuthError,
		Message:   message,
		Code:      http.StatusUnauthorized,
		RequestID: requestID,
		err:       err,
		Details: map[string]interface{}{
			"suggestion": "Send an API key as 'Authorization: Bearer <key>'",
		},
	}
}

// NewValidationError is a 400 for a request that fails validation. The
// message is shown to the caller as is.
//
//	err := NewValidationError("req_123", "output.name must be a non-empty string", map[string]interface{}{
//	    "field": "output.name",
//	})
func NewValidationError(requestID, message string, validationDetails map[string]interface{}) *GatewayError {
	return &GatewayError{
		Type:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   validationDetails,
	}
}

// NewBadRequestError is a 400 for a body that is not valid JSON.
func NewBadRequestError(requestID string, err error) *GatewayError {
	return &GatewayError{
		Type:      BadRequestError,
		Message:   "Request body must be a JSON object",
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		err:       err,
	}
}

// NewNotFoundError is a 404.
func NewNotFoundError(requestID, message string) *GatewayError {
	return &GatewayError{
		Type:      NotFoundError,
		Message:   message,
		Code:      http.StatusNotFound,
		RequestID: requestID,
	}
}

// NewRateLimitError is a 429 telling the client when to retry, in
// seconds.
func NewRateLimitError(requestID string, retryAfter int) *GatewayError {
	return &GatewayError{
		Type:      RateLimitError,
		Message:   "Rate limit exceeded",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewProviderError is a 502 for an LLM provider failure.
func NewProviderError(requestID string, message string, err error) *GatewayError {
	return &GatewayError{
		Type:      ProviderError,
		Message:   message,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewTimeoutError is a 504 for a request that ran out of time.
func NewTimeoutError(requestID string, err error) *GatewayError {
	return &GatewayError{
		Type:      TimeoutError,
		Message:   "Request timed out",
		Code:      http.StatusGatewayTimeout,
		RequestID: requestID,
		err:       err,
	}
}

// NewInternalError is a 500 that hides err from the caller.
func NewInternalError(requestID string, err error) *GatewayError {
	return &GatewayError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
