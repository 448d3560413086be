package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Paths reachable without credentials: liveness probes and the
// prometheus scraper.
var openPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

// Middleware enforces API-key authentication when enabled. The key is
// read from the X-API-Key header, a bearer token in Authorization, or an
// api_key query parameter (the websocket handshake cannot set headers
// from a browser).
func Middleware(enabled bool, ring *Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			if _, open := openPaths[r.URL.Path]; open {
				next.ServeHTTP(w, r)
				return
			}
			if ring.Verify(KeyFromRequest(r)) {
				next.ServeHTTP(w, r)
				return
			}
			writeUnauthorized(w)
		})
	}
}

// KeyFromRequest extracts the presented API key from a request.
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"kind":    "unauthorized",
			"message": "missing or invalid API key",
		},
	})
}
