package limiter

import (
	"context"
	"net/http"
	"time"
)

// OverLimit is the sentinel remaining value returned by the atomic checks
// when the request would exceed the limit.
const OverLimit int64 = -1

// Status is the outcome of a single decision.
type Status int

const (
	StatusAllow Status = iota
	StatusDeny
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusAllow:
		return "ALLOW"
	case StatusDeny:
		return "DENY"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Decision is what the engine hands back to the HTTP layer.
type Decision struct {
	Allowed bool
	Status  Status
	// Remaining is the capacity left in the window after this request, or
	// OverLimit when denied. It is 0 for ERROR decisions.
	Remaining int64
	// Limit is the effective limit that was applied.
	Limit int64
	// Risk is the risk score after the decision (incremented on DENY when the
	// store accepted the write).
	Risk   int64
	Window time.Duration
	// Err is set only when Status is StatusError. It matches either
	// ErrStoreUnavailable or ErrEmptyIdentity.
	Err error
}

// HTTPStatus maps the decision onto the status code the HTTP layer emits.
func (d Decision) HTTPStatus() int {
	switch d.Status {
	case StatusAllow:
		return http.StatusOK
	case StatusDeny:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Decider is implemented by Engine. Middlewares depend on it so they can be
// tested with fakes.
type Decider interface {
	Decide(ctx context.Context, identity, keySuffix string) Decision
}

// Store is the outbound contract to the shared fast store. Methods that say
// "atomically" must run as one indivisible unit relative to every other
// caller touching the same key.
type Store interface {
	// IncrementCheck atomically increments key, sets its expiry to window when
	// the counter was just created (or has no expiry), and returns
	// limit-count, or OverLimit when count > limit.
	IncrementCheck(ctx context.Context, key string, limit int64, window time.Duration) (int64, error)

	// SlidingWindowCheck atomically prunes entries at or before now-window,
	// denies with OverLimit when the remaining count is >= limit, and
	// otherwise records now and refreshes the key expiry to window.
	SlidingWindowCheck(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (int64, error)

	// Get returns the integer stored at key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value int64, ok bool, err error)

	// IncrementWithTTL increments key and resets its expiry to ttl.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
