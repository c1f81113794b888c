// Package middleware holds the HTTP middleware of the castgate API.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nuabase/castgate/errors"
)

// RequestID reuses the caller's X-Request-ID or generates one. The id is
// set on the response, on the request header for errors.ErrorHandler, and
// in the context for handlers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(errors.RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.New().String()
			r.Header.Set(errors.RequestIDHeader, requestID)
		}

		w.Header().Set(errors.RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
