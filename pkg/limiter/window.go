package limiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/manenim/adaptive-rate-limiter/pkg/clock"
)

// Algorithm selects the window accountant used by the engine.
type Algorithm int

const (
	// AlgorithmFixedWindow counts requests in a single integer that expires
	// W after the first request. A burst straddling the boundary can admit up
	// to twice the limit in a short span; the risk layer is the second line.
	AlgorithmFixedWindow Algorithm = iota

	// AlgorithmSlidingWindowLog keeps one timestamp per admitted request and
	// prunes entries older than W on every check. Exact, but storage grows
	// with the number of requests in the window.
	AlgorithmSlidingWindowLog
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmFixedWindow:
		return "fixed_window"
	case AlgorithmSlidingWindowLog:
		return "sliding_window_log"
	default:
		return "unknown"
	}
}

// ParseAlgorithm accepts the names used in configuration.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed", "fixed_window", "fixedwindow":
		return AlgorithmFixedWindow, nil
	case "sliding", "sliding_window", "sliding_window_log", "slidingwindowlog":
		return AlgorithmSlidingWindowLog, nil
	default:
		return 0, fmt.Errorf("unknown algorithm %q: %w", s, ErrInvalidConfig)
	}
}

// WindowAccountant tracks request occurrences per key within a window and
// decides, atomically in the store, whether one more request fits.
type WindowAccountant interface {
	// Check returns the remaining capacity after admitting the request, or
	// OverLimit when the request is denied.
	Check(ctx context.Context, key string, limit int64) (int64, error)
	// Namespace is the key prefix this accountant's entries live under.
	Namespace() string
	Algorithm() Algorithm
}

// FixedWindow is the counter-with-TTL accountant.
type FixedWindow struct {
	store  Store
	window time.Duration
}

func NewFixedWindow(store Store, window time.Duration) *FixedWindow {
	return &FixedWindow{store: store, window: window}
}

func (f *FixedWindow) Check(ctx context.Context, key string, limit int64) (int64, error) {
	return f.store.IncrementCheck(ctx, key, limit, f.window)
}

func (f *FixedWindow) Namespace() string { return "rate:" }
func (f *FixedWindow) Algorithm() Algorithm { return AlgorithmFixedWindow }

// SlidingWindowLog is the timestamp-log accountant. Timestamps come from clk,
// so every replica must run with a reasonably synchronized clock.
type SlidingWindowLog struct {
	store  Store
	window time.Duration
	clock  clock.Clock
}

func NewSlidingWindowLog(store Store, window time.Duration, clk clock.Clock) *SlidingWindowLog {
	if clk == nil {
		clk = clock.System{}
	}
	return &SlidingWindowLog{store: store, window: window, clock: clk}
}

func (s *SlidingWindowLog) Check(ctx context.Context, key string, limit int64) (int64, error) {
	return s.store.SlidingWindowCheck(ctx, key, limit, s.window, s.clock.Now())
}

// Namespace differs from FixedWindow's so switching algorithms never reads a
// counter as a sorted set.
func (s *SlidingWindowLog) Namespace() string { return "ratelog:" }
func (s *SlidingWindowLog) Algorithm() Algorithm { return AlgorithmSlidingWindowLog }
