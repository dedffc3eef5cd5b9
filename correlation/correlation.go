package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderName carries the correlation id across services.
const HeaderName = "X-Correlation-ID"

type ctxKey struct{}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id stored in ctx or an empty string.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}

	return ""
}

// NewID generates a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// Middleware takes the correlation id from the request header or generates one,
// stores it in the request context and echoes it back in the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderName)
		if id == "" {
			id = NewID()
		}

		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
