package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/nuabase/castgate/errors"
)

// BearerAuth accepts requests carrying one of keys as
// "Authorization: Bearer <key>". With no keys every request passes.
func BearerAuth(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				errors.WriteError(w, errors.NewAuthError(requestID, "Missing API key", nil))
				return
			}
			if !knownKey(keys, token) {
				errors.WriteError(w, errors.NewAuthError(requestID, "Invalid API key", nil))
				return
			}

			ctx := context.WithValue(r.Context(), APIKeyKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// knownKey compares against every key so timing does not reveal a prefix.
func knownKey(keys []string, token string) bool {
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare([]byte(k), []byte(token))
	}
	return match == 1
}
