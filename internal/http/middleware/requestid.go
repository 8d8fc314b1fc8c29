package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const requestIDContextKey contextKey = "request_id"

const maxRequestIDLength = 128

// RequestID tags every request with an id, taken from X-Request-Id when the
// caller sent a usable one, and stores a logger carrying that id (and the
// tenant, when known) in the request context for zerolog.Ctx.
func RequestID(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" || len(requestID) > maxRequestIDLength {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", requestID)

			fields := logger.With().Str("request_id", requestID)
			if tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-Id")); tenantID != "" {
				fields = fields.Str("tenant_id", tenantID)
			}
			requestLogger := fields.Logger()

			ctx := context.WithValue(r.Context(), requestIDContextKey, requestID)
			ctx = requestLogger.WithContext(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetRequestID(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContextKey).(string)
	if value == "" {
		return "unknown"
	}
	return value
}
