package middleware

import "context"

type contextKey string

const (
	// RequestIDKey holds the request id in the request context.
	RequestIDKey contextKey = "request_id"
	// APIKeyKey holds the authenticated API key.
	APIKeyKey contextKey = "api_key"
)

// GetRequestID returns the request id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// GetAPIKey returns the key accepted by BearerAuth, or "".
func GetAPIKey(ctx context.Context) string {
	key, _ := ctx.Value(APIKeyKey).(string)
	return key
}
