package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Credential binds a static API key to the principal it authenticates.
type Credential struct {
	Key       string
	Principal domain.Principal
}

// Auth returns middleware that resolves the caller's API key (Bearer token
// or X-API-Key header) into a domain.Principal on the request context.
// Paths in public skip authentication. With no credentials configured every
// request passes through anonymously and guarded commands fail later with
// ErrUnauthorized.
func Auth(creds []Credential, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(creds) == 0 || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authentication token", "unauthorized")
				return
			}
			p, ok := lookup(creds, token)
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid authentication token", "unauthorized")
				return
			}

			if m := metaFrom(r.Context()); m != nil {
				m.principal = p.ID
			}
			next.ServeHTTP(w, r.WithContext(domain.WithPrincipal(r.Context(), p)))
		})
	}
}

// lookup compares against every key in constant time so the response time
// does not reveal which prefix matched.
func lookup(creds []Credential, token string) (domain.Principal, bool) {
	var found domain.Principal
	ok := false
	for _, c := range creds {
		if subtle.ConstantTimeCompare([]byte(token), []byte(c.Key)) == 1 {
			found, ok = c.Principal, true
		}
	}
	return found, ok
}

// extractToken looks for a token in the Authorization header (Bearer scheme),
// the X-API-Key header, or the api_key query parameter for WebSocket clients
// that cannot set headers.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

// writeError sends a JSON error body shaped like the API's other errors.
func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	kind := domain.KindAuth
	if status == http.StatusTooManyRequests {
		kind = domain.KindResource
	}
	w.Write([]byte(`{"error":"` + msg + `","kind":"` + string(kind) + `","code":"` + code + `"}`))
}
