package ginmiddleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/manenim/adaptive-rate-limiter/pkg/limiter"
	"github.com/manenim/adaptive-rate-limiter/pkg/middleware"
)

// KeyFunc resolves the client identity from the request.
type KeyFunc func(*gin.Context) string

// Options configure the Gin middleware behavior.
type Options struct {
	KeyHeader   string
	PerEndpoint bool
	Recorder    limiter.MetricsRecorder
	Logger      *slog.Logger
}

// GinMiddleware enforces limiter decisions for incoming Gin requests.
func GinMiddleware(decider limiter.Decider, keyFunc KeyFunc, opts Options) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc(opts.KeyHeader)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	metrics := limiter.NewReporter(opts.Recorder)

	return func(c *gin.Context) {
		start := time.Now()
		ip := keyFunc(c)
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		metrics.Add("request_count_total", 1, map[string]string{
			"method":   c.Request.Method,
			"endpoint": endpoint,
			"ip":       ip,
		})
		defer func() {
			metrics.Add("request_status_total", 1, map[string]string{
				"status": strconv.Itoa(c.Writer.Status()),
				"ip":     ip,
			})
			metrics.Observe("request_latency_seconds", time.Since(start).Seconds(), map[string]string{
				"endpoint": endpoint,
			})
		}()

		var suffix string
		if opts.PerEndpoint {
			suffix = endpoint
		}
		dec := decider.Decide(c.Request.Context(), ip, suffix)

		switch dec.Status {
		case limiter.StatusAllow:
			middleware.SetHeaders(c.Writer.Header(), dec)
			c.Next()

		case limiter.StatusDeny:
			middleware.SetHeaders(c.Writer.Header(), dec)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, middleware.DenyBody(dec))

		default:
			// The engine already logged the cause, throttled.
			opts.Logger.Debug("rate limiter error", slog.String("ip", ip), slog.Any("error", dec.Err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, middleware.InternalErrorBody)
		}
	}
}

// DefaultKeyFunc resolves a key from header, then Gin's client IP (which
// honours the engine's trusted proxy settings).
func DefaultKeyFunc(header string) KeyFunc {
	return func(c *gin.Context) string {
		if header != "" {
			if v := c.GetHeader(header); v != "" {
				return v
			}
		}
		return c.ClientIP()
	}
}
