package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/blacktop/cawatch/internal/logutil"
)

const bearerPrefix = "Bearer "

// requireToken guards the job routes with a shared operator token. An empty
// token leaves the routes open; serve warns about that at startup.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validToken(r.Header.Get("Authorization"), token) {
				logutil.With("component", "api").Warn("rejected control request",
					"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Bearer realm="cawatch"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validToken(header, token string) bool {
	got, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}
