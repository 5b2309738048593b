package api

import (
	"context"
	"net/http"
)

// Caller identity headers. Credential verification happens upstream;
// these arrive pre-validated from the auth proxy.
const (
	headerCallerID   = "X-Caller-Id"
	headerCallerRole = "X-Caller-Role"
)

type callerKeyType struct{}

var callerKey callerKeyType

// Caller is the pre-validated identity attached to a request.
type Caller struct {
	ID   string
	Role string
}

// callerFromContext returns the request's caller, if any.
func callerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

// callerMiddleware attaches caller identity to the request context when
// the identity headers are present. Routes that need a caller enforce it
// with requireCaller.
func callerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(headerCallerID); id != "" {
			ctx := context.WithValue(r.Context(), callerKey, Caller{
				ID:   id,
				Role: r.Header.Get(headerCallerRole),
			})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// requireCaller rejects requests without a caller identity.
func (s *Server) requireCaller(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := callerFromContext(r.Context()); !ok {
			s.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "caller identity required", nil)
			return
		}
		next(w, r)
	}
}
