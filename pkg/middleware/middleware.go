// Package middleware enforces limiter decisions on net/http handlers.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/manenim/adaptive-rate-limiter/pkg/limiter"
)

// Options configure Middleware. The zero value keys on the RemoteAddr host,
// shares one counter per client across all endpoints and records nothing.
type Options struct {
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool

	// PerEndpoint gives every endpoint its own counter. The endpoint is
	// EndpointFn(r), which defaults to the raw r.URL.Path: behind a router
	// with path parameters that means one counter per concrete path, so pass
	// a route-template func such as RoutePattern to bound the key space.
	PerEndpoint bool
	EndpointFn  EndpointFunc

	AddRateLimitHeaders bool
	Recorder            limiter.MetricsRecorder
	Logger              *slog.Logger
}

// Middleware asks decider about every request. ALLOW calls next, DENY answers
// 429 with a JSON body, ERROR answers 500.
func Middleware(decider limiter.Decider, opts Options) func(next http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.EndpointFn == nil {
		opts.EndpointFn = func(r *http.Request) string { return r.URL.Path }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	metrics := limiter.NewReporter(opts.Recorder)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ip := opts.KeyFn(r)
			endpoint := opts.EndpointFn(r)

			metrics.Add("request_count_total", 1, map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
				"ip":       ip,
			})

			var suffix string
			if opts.PerEndpoint {
				suffix = endpoint
			}
			dec := decider.Decide(r.Context(), ip, suffix)

			status := dec.HTTPStatus()
			switch dec.Status {
			case limiter.StatusAllow:
				if opts.AddRateLimitHeaders {
					SetHeaders(w.Header(), dec)
				}
				sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(sw, r)
				status = sw.status

			case limiter.StatusDeny:
				SetHeaders(w.Header(), dec)
				writeJSON(w, http.StatusTooManyRequests, DenyBody(dec))

			default:
				// The engine already logged the cause, throttled.
				opts.Logger.LogAttrs(r.Context(), slog.LevelDebug, "rate limiter error",
					slog.String("ip", ip),
					slog.String("endpoint", endpoint),
					slog.Any("error", dec.Err),
				)
				writeJSON(w, http.StatusInternalServerError, InternalErrorBody)
			}

			metrics.Add("request_status_total", 1, map[string]string{
				"status": strconv.Itoa(status),
				"ip":     ip,
			})
			metrics.Observe("request_latency_seconds", time.Since(start).Seconds(), map[string]string{
				"endpoint": endpoint,
			})
		})
	}
}

// statusWriter remembers the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
