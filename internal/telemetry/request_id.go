package telemetry

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/italolelis/gamevault/internal/logctx"
)

const RequestIDHeader = "X-Request-ID"

var upstreamRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// RequestID middleware generates a unique request_id for each request.
// A well-formed upstream X-Request-ID header is reused; anything else is replaced,
// since the value ends up in logs and response headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !upstreamRequestID.MatchString(requestID) {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(logctx.WithRequestID(r.Context(), requestID)))
	})
}

// GetRequestID retrieves the request_id from context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	return logctx.RequestID(ctx)
}
