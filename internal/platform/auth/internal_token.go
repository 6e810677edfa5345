package auth

import (
	"crypto/subtle"
	"net/http"
)

// RequireInternalToken guards internal endpoints with a static bearer token.
// Intended for local and emulator environments where Google-signed OIDC
// tokens are unavailable.
func RequireInternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "internal token not configured")
				return
			}
			presented, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "internal token mismatch")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
