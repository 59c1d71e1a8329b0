package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// KeyFunc resolves the client identity the limiter counts against.
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc prefers keyHeader when set and present, then the first
// X-Forwarded-For hop when trustXFF is true, then the RemoteAddr host.
// Only trust X-Forwarded-For behind a proxy that overwrites it.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		return strings.TrimSpace(r.RemoteAddr)
	}
}

// EndpointFunc names the endpoint a request is counted and labelled under.
type EndpointFunc func(r *http.Request) string

// RoutePattern returns the chi route template ("/items/{id}") matched for r,
// or r.URL.Path when r was not routed by chi. The pattern is only known after
// routing, so the middleware must sit inside a chi Group, With or Route.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
