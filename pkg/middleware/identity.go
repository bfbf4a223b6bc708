package middleware

import (
	"context"
	"log/slog"
	"net/http"

	apperrors "github.com/velocart/checkout/pkg/errors"
	"github.com/velocart/checkout/pkg/httputil"
)

type contextKey string

const userIDKey contextKey = "user_id"

// HeaderUserID is the header the edge layer uses to propagate the
// authenticated caller identity. Its value is opaque to this service.
const HeaderUserID = "X-User-ID"

// UserIDFromContext returns the caller identity stored by RequireCaller,
// or "" when the request carried none.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying the given caller identity. Exposed
// for tests and non-HTTP entry points.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// RequireCaller returns middleware that extracts the caller identity from the
// X-User-ID header and stores it in the request context. Requests without the
// header are rejected with 401.
func RequireCaller(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(HeaderUserID)
			if userID == "" {
				httputil.WriteError(w, r, apperrors.Unauthorized("missing caller identity"), logger)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
