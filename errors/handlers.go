package errors

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrorHandler recovers panics from next and answers them with an
// InternalError.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					requestID := r.Header.Get(RequestIDHeader)
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.ByteString("stacktrace", debug.Stack()),
						zap.String("request_id", requestID),
					)
					WriteError(w, NewInternalError(requestID, nil))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LogError logs err with the request id. A GatewayError is logged with
// its type and code; client errors are logged at warn level.
func LogError(logger *zap.Logger, err error, requestID string) {
	var gwErr *GatewayError
	if As(err, &gwErr) {
		level := logger.Error
		if gwErr.Code < http.StatusInternalServerError {
			level = logger.Warn
		}
		level("request error",
			zap.String("error_type", string(gwErr.Type)),
			zap.String("message", gwErr.Message),
			zap.Int("code", gwErr.Code),
			zap.String("request_id", requestID),
			zap.Any("details", gwErr.Details),
			zap.NamedError("cause", gwErr.err),
		)
		return
	}
	logger.Error("unexpected error",
		zap.Error(err),
		zap.String("request_id", requestID),
	)
}
