package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// WithRequestID returns a new context carrying the request id. The id is
// stored under chi's key so chi helpers and GetRequestID agree.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, middleware.RequestIDKey, id)
}

// GetRequestID returns the request id from the context, or "" when none
// was assigned.
func GetRequestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// RequestID assigns every request an id. A well-formed ULID supplied by the
// client in X-Request-ID is kept; anything else is replaced by a new ULID.
// The id is echoed in the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := ulid.ParseStrict(id); err != nil {
			id = ulid.Make().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
