package limiter

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/manenim/adaptive-rate-limiter/pkg/clock"
)

const (
	DefaultBaseLimit int64 = 15
	DefaultMinLimit  int64 = 3
)

const (
	DefaultWindow       = 60 * time.Second
	DefaultRiskDecayTTL = 300 * time.Second
	DefaultTimeout      = 500 * time.Millisecond
)

type config struct {
	baseLimit int64
	minLimit  int64
	window    time.Duration
	riskTTL   time.Duration
	timeout   time.Duration
	algorithm Algorithm
	prefix    string
	recorder  MetricsRecorder
	logger    *slog.Logger
	clock     clock.Clock
	warnRate  rate.Limit
	warnBurst int
}

func defaultConfig() config {
	return config{
		baseLimit: DefaultBaseLimit,
		minLimit:  DefaultMinLimit,
		window:    DefaultWindow,
		riskTTL:   DefaultRiskDecayTTL,
		timeout:   DefaultTimeout,
		algorithm: AlgorithmFixedWindow,
		recorder:  &NoOpMetricsRecorder{},
		logger:    slog.Default(),
		clock:     clock.System{},
		warnRate:  10,
		warnBurst: 10,
	}
}

func (c config) validate() error {
	if c.minLimit < 1 {
		return fmt.Errorf("min limit must be >= 1, got %d: %w", c.minLimit, ErrInvalidConfig)
	}
	if c.baseLimit < c.minLimit {
		return fmt.Errorf("base limit %d below min limit %d: %w", c.baseLimit, c.minLimit, ErrInvalidConfig)
	}
	if c.window < time.Millisecond {
		return fmt.Errorf("window must be >= 1ms, got %s: %w", c.window, ErrInvalidConfig)
	}
	if c.riskTTL < time.Millisecond {
		return fmt.Errorf("risk decay ttl must be >= 1ms, got %s: %w", c.riskTTL, ErrInvalidConfig)
	}
	if c.timeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s: %w", c.timeout, ErrInvalidConfig)
	}
	if c.algorithm != AlgorithmFixedWindow && c.algorithm != AlgorithmSlidingWindowLog {
		return fmt.Errorf("unknown algorithm %d: %w", c.algorithm, ErrInvalidConfig)
	}
	return nil
}

// Option configures an Engine.
type Option func(*config)

// WithLimits sets the base limit and the floor the risk score cannot push
// the effective limit below (defaults 15 and 3).
func WithLimits(base, min int64) Option {
	return func(c *config) {
		c.baseLimit = base
		c.minLimit = min
	}
}

// WithWindow sets the rate window (default 60s).
func WithWindow(d time.Duration) Option {
	return func(c *config) { c.window = d }
}

// WithRiskTTL sets how long a risk score survives without a new DENY
// (default 300s).
func WithRiskTTL(d time.Duration) Option {
	return func(c *config) { c.riskTTL = d }
}

// WithTimeout bounds every store round-trip (default 500ms).
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithAlgorithm picks the window accountant (default fixed window).
func WithAlgorithm(a Algorithm) Option {
	return func(c *config) { c.algorithm = a }
}

// WithPrefix prepends p to every store key, e.g. "myapp:".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithRecorder injects a metrics backend.
func WithRecorder(r MetricsRecorder) Option {
	return func(c *config) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the time source for sliding-window timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithWarnRate caps how many store-failure log lines the engine emits per
// second. Lines over the cap are counted and reported on the next one.
func WithWarnRate(perSecond float64, burst int) Option {
	return func(c *config) {
		c.warnRate = rate.Limit(perSecond)
		c.warnBurst = burst
	}
}
