package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/psantana5/reftrack/pkg/auth"
)

type contextKey string

const CallerContextKey contextKey = "caller"

// AuthMiddleware validates Bearer API keys and injects the caller identity
func AuthMiddleware(keys *auth.APIKeyManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for probe and scrape endpoints
			path := r.URL.Path
			if path == "/health" || path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			// No keys configured means auth is disabled
			if keys == nil || !keys.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			caller, ok := keys.ValidateAPIKey(token)
			if !ok {
				log.Printf("Rejected API key from %s for %s", r.RemoteAddr, path)
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			// Inject the caller description into request context
			ctx := context.WithValue(r.Context(), CallerContextKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken pulls the token out of the Authorization header, accepting
// both "Bearer <token>" and a bare token
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// GetCaller extracts the authenticated caller from request context
func GetCaller(r *http.Request) string {
	if caller, ok := r.Context().Value(CallerContextKey).(string); ok {
		return caller
	}
	return ""
}

// RequireAuth ensures an authenticated caller is present in the context
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetCaller(r) == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
