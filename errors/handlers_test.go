package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name         string
		handler      http.Handler
		expectedCode int
		expectLog    bool
	}{
		{
			name: "normal handler",
			handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			}),
			expectedCode: http.StatusAccepted,
		},
		{
			name: "panicking handler",
			handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic("cast exploded")
			}),
			expectedCode: http.StatusInternalServerError,
			expectLog:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.ErrorLevel)
			req := httptest.NewRequest(http.MethodPost, "/cast/value", nil)
			req.Header.Set(RequestIDHeader, "test-request-id")
			rr := httptest.NewRecorder()

			ErrorHandler(zap.New(core))(tt.handler).ServeHTTP(rr, req)

			if rr.Code != tt.expectedCode {
				t.Errorf("status = %v, want %v", rr.Code, tt.expectedCode)
			}
			if got := logs.FilterMessage("panic recovered").Len() == 1; got != tt.expectLog {
				t.Errorf("panic logged = %v, want %v", got, tt.expectLog)
			}
			if tt.expectLog {
				var body ErrorResponse
				if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body.RequestID != "test-request-id" {
					t.Errorf("request id = %q", body.RequestID)
				}
			}
		})
	}
}

func TestLogError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel zapcore.Level
		wantMsg   string
	}{
		{"client error", NewValidationError("r1", "output.name must be a non-empty string", nil), zapcore.WarnLevel, "request error"},
		{"server error", NewInternalError("r1", fmt.Errorf("pool closed")), zapcore.ErrorLevel, "request error"},
		{"plain error", fmt.Errorf("boom"), zapcore.ErrorLevel, "unexpected error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			LogError(zap.New(core), tt.err, "r1")

			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("got %d entries, want 1", len(entries))
			}
			if entries[0].Level != tt.wantLevel || entries[0].Message != tt.wantMsg {
				t.Errorf("got %v %q, want %v %q", entries[0].Level, entries[0].Message, tt.wantLevel, tt.wantMsg)
			}
			if entries[0].ContextMap()["request_id"] != "r1" {
				t.Errorf("missing request_id field")
			}
		})
	}
}
