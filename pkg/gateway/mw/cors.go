package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
)

var corsAllowedMethods = "GET, POST, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
	"Last-Event-ID",
}, ", ")

var corsExposedHeaders = "X-Request-ID"

// CORS attaches headers only for allowlisted origins. An empty allowlist
// disables CORS and rejects every preflight.
func CORS(cfg config.Config) func(http.Handler) http.Handler {
	allowed := cfg.CORSAllowedOrigins
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))

			if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
				if !originAllowed(allowed, origin) {
					http.Error(w, "cors preflight not allowed", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if originAllowed(allowed, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OriginCheck returns the WebSocket upgrader's origin check. With no
// allowlist it returns nil, which keeps the upgrader's same-host default.
func OriginCheck(cfg config.Config) func(*http.Request) bool {
	allowed := cfg.CORSAllowedOrigins
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		return origin == "" || originAllowed(allowed, origin)
	}
}

func originAllowed(allowed map[string]struct{}, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return false
	}
	_, ok := allowed[origin]
	return ok
}
