package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/models"
)

type contextKey struct{}

// WithRequester stores the requester in ctx
func WithRequester(ctx context.Context, req models.Requester) context.Context {
	return context.WithValue(ctx, contextKey{}, req)
}

// FromContext returns the requester stored by the middleware
func FromContext(ctx context.Context) (models.Requester, bool) {
	req, ok := ctx.Value(contextKey{}).(models.Requester)
	return req, ok
}

// ErrorWriter renders an error response
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// tokenFrom reads the bearer header. With allowQuery it falls back to
// ?token= for clients that can't set headers.
func tokenFrom(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// Middleware rejects requests without a valid bearer header and puts the
// requester into the request context
func (t *Tokens) Middleware(onError ErrorWriter) func(http.Handler) http.Handler {
	return t.middleware(onError, false)
}

// QueryMiddleware is Middleware that also accepts ?token=. Use it only on
// routes opened by video elements or websockets.
func (t *Tokens) QueryMiddleware(onError ErrorWriter) func(http.Handler) http.Handler {
	return t.middleware(onError, true)
}

func (t *Tokens) middleware(onError ErrorWriter, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFrom(r, allowQuery)
			if token == "" {
				onError(w, r, apperr.New(apperr.Unauthenticated, "authentication token required"))
				return
			}
			claims, err := t.Verify(token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), claims.Requester())))
		})
	}
}

// RequireRole guards a handler behind a minimum role
func RequireRole(min models.Role, onError ErrorWriter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := FromContext(r.Context())
		if !ok {
			onError(w, r, apperr.New(apperr.Unauthenticated, "authentication token required"))
			return
		}
		if !req.Role.AtLeast(min) {
			onError(w, r, apperr.New(apperr.Forbidden, "role %s required", min).
				WithDetail("role", string(req.Role)))
			return
		}
		next.ServeHTTP(w, r)
	})
}
