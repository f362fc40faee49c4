package api

import (
	"net/http"
	"strings"
)

// ExtractBearer returns the token from an "Authorization: Bearer <tok>"
// header, or "" if absent/malformed.
func ExtractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func matchesAnyKey(token string, keys []string) bool {
	if token == "" {
		return false
	}
	for _, k := range keys {
		if k != "" && token == k {
			return true
		}
	}
	return false
}

// RequireUserKey authorizes external API calls against the configured
// set of accepted user keys. An empty key set disables auth entirely.
func RequireUserKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 || matchesAnyKey(ExtractBearer(r), keys) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid_api_key", "invalid or missing API key")
		})
	}
}
