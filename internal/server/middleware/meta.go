package middleware

import (
	"context"
	"net/http"
)

// requestMeta is filled in by inner layers and read by Logging once the
// request completes. Inner layers see a copied *http.Request, so values are
// shared through this pointer instead.
type requestMeta struct {
	requestID string
	principal string
	route     string
}

type metaKey struct{}

func metaFrom(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(metaKey{}).(*requestMeta)
	return m
}

// RequestID returns the ID Logging assigned to the request, if any.
func RequestID(ctx context.Context) string {
	if m := metaFrom(ctx); m != nil {
		return m.requestID
	}
	return ""
}

// TrackRoute records the ServeMux pattern that matched. It must wrap the mux
// directly because the mux sets Pattern on the request it receives.
func TrackRoute(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		if m := metaFrom(r.Context()); m != nil {
			m.route = r.Pattern
		}
	})
}
