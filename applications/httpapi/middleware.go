package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/toolsgateway/toolsgw/identity"
	"github.com/toolsgateway/toolsgw/infrastructure/logging"
)

type contextKey string

const claimsContextKey contextKey = "claims"
const tokenContextKey contextKey = "bearer_token"

// claimsFromContext returns the verified bearer claims attached by
// authenticate, if any.
func claimsFromContext(ctx context.Context) (*identity.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*identity.Claims)
	return claims, ok
}

// tokenFromContext returns the raw bearer token authenticate verified,
// needed by the pipeline for token exchange (it re-derives the exchange
// key from the subject token itself).
func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// authenticate verifies the Authorization header's bearer token and
// attaches the resulting claims to the request context. A request without
// a bearer token passes through unchanged (downstream requireAuth/
// requireAdmin decide whether that is allowed); a token that fails
// verification is rejected with 401 and a WWW-Authenticate header.
func authenticate(verifier *identity.Verifier, audience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := verifier.Verify(r.Context(), token, audience)
			if err != nil {
				w.Header().Set("WWW-Authenticate", identity.WWWAuthenticate(err))
				writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			ctx = context.WithValue(ctx, tokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// requireAuth rejects requests with no verified bearer token (spec.md §6's
// "user" auth column).
func requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := claimsFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "a valid bearer token is required")
			return
		}
		next(w, r)
	}
}

// requireAdmin rejects requests whose claims don't carry the admin role
// under realm_access.roles (spec.md §6's "admin" auth column), the same
// dotted-claim convention the access resolver's matchers use.
func requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return requireAuth(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := claimsFromContext(r.Context())
		if !hasRole(claims, "admin") {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next(w, r)
	})
}

func hasRole(claims *identity.Claims, role string) bool {
	v, ok := claims.Get("realm_access.roles")
	if !ok {
		return false
	}
	roles, ok := v.([]any)
	if !ok {
		return false
	}
	for _, r := range roles {
		if s, ok := r.(string); ok && s == role {
			return true
		}
	}
	return false
}

// withLogging logs every request's method, path, status, and duration via
// the gateway's structured logger.
func withLogging(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if logger != nil {
				logger.LogRequest(r.Context(), r.Method, r.URL.Path, sw.status, time.Since(start))
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// withMethod wraps a handler, enforcing the HTTP method and emitting 405 otherwise.
func withMethod(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			methodNotAllowed(w, method)
			return
		}
		fn(w, r)
	}
}

// methodNotAllowed standardizes 405 responses and sets the Allow header when
// callers supply the set of permitted methods.
func methodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	w.WriteHeader(http.StatusMethodNotAllowed)
}
