package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGatewayError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *GatewayError
		want string
	}{
		{
			name: "without cause",
			err:  &GatewayError{Type: ValidationError, Message: "input.prompt must be provided"},
			want: "validation_error: input.prompt must be provided",
		},
		{
			name: "with cause",
			err: &GatewayError{
				Type:    InternalError,
				Message: "An internal error occurred",
				err:     errors.New("requests table missing"),
			},
			want: "internal_error: An internal error occurred: requests table missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGatewayError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewProviderError("r1", "provider unavailable", cause)

	if !errors.Is(err, &GatewayError{Type: ProviderError}) {
		t.Error("expected errors.Is to match on type")
	}
	if errors.Is(err, &GatewayError{Type: AuthError}) {
		t.Error("expected errors.Is to reject a different type")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable through Unwrap")
	}
}

func TestErrorWithType(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Header().Set(RequestIDHeader, "req-9")

	ErrorWithType(rr, "LLM request with id x not found", NotFoundError, http.StatusNotFound)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Type != NotFoundError || body.RequestID != "req-9" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestSetLogger(t *testing.T) {
	prev := DefaultLogger
	t.Cleanup(func() { DefaultLogger = prev })

	SetLogger(nil)
	if DefaultLogger != prev {
		t.Error("a nil logger must be ignored")
	}
}
