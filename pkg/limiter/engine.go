package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Engine is the decision engine. It holds no rate-limit state of its own:
// counters and risk scores live in the Store, so any number of replicas can
// share one store.
type Engine struct {
	cfg        config
	accountant WindowAccountant
	risk       *RiskTracker
	metrics    Reporter
	logger     *slog.Logger

	warnLimiter *rate.Limiter
	suppressed  atomic.Int64
}

var _ Decider = (*Engine)(nil)

// NewEngine builds an Engine over store.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil: %w", ErrInvalidConfig)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var accountant WindowAccountant
	switch cfg.algorithm {
	case AlgorithmSlidingWindowLog:
		accountant = NewSlidingWindowLog(store, cfg.window, cfg.clock)
	default:
		accountant = NewFixedWindow(store, cfg.window)
	}

	return &Engine{
		cfg:         cfg,
		accountant:  accountant,
		risk:        NewRiskTracker(store, cfg.prefix, cfg.riskTTL),
		metrics:     NewReporter(cfg.recorder),
		logger:      cfg.logger,
		warnLimiter: rate.NewLimiter(cfg.warnRate, cfg.warnBurst),
	}, nil
}

func (e *Engine) Algorithm() Algorithm { return e.cfg.algorithm }
func (e *Engine) Window() time.Duration { return e.cfg.window }
func (e *Engine) BaseLimit() int64 { return e.cfg.baseLimit }

// Decide runs one admission check for identity. keySuffix isolates counters
// per endpoint; pass "" for a single global counter per identity.
//
// Failure policy: a failed risk lookup falls back to risk 0; a failed limit
// check yields StatusError with no retry and no risk mutation; a failed risk
// increment after a DENY is logged and the DENY stands.
func (e *Engine) Decide(ctx context.Context, identity, keySuffix string) Decision {
	start := time.Now()
	d := e.decide(ctx, identity, keySuffix)
	e.report(d, time.Since(start))
	return d
}

func (e *Engine) decide(ctx context.Context, identity, keySuffix string) Decision {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Decision{Status: StatusError, Window: e.cfg.window, Err: ErrEmptyIdentity}
	}

	risk := e.lookupRisk(ctx, identity)
	limit := EffectiveLimit(e.cfg.baseLimit, e.cfg.minLimit, risk)
	key := e.windowKey(identity, keySuffix)

	checkCtx, cancel := context.WithTimeout(ctx, e.cfg.timeout)
	remaining, err := e.accountant.Check(checkCtx, key, limit)
	cancel()
	if err != nil {
		err = storeErr("limit check", key, err)
		e.warn(ctx, slog.LevelError, "rate limit check failed",
			slog.String("identity", identity),
			slog.String("key", key),
			slog.Any("error", err),
		)
		return Decision{Status: StatusError, Limit: limit, Risk: risk, Window: e.cfg.window, Err: err}
	}

	if remaining < 0 {
		return Decision{
			Status:    StatusDeny,
			Remaining: OverLimit,
			Limit:     limit,
			Risk:      e.recordRisk(ctx, identity, risk),
			Window:    e.cfg.window,
		}
	}

	return Decision{
		Allowed:   true,
		Status:    StatusAllow,
		Remaining: remaining,
		Limit:     limit,
		Risk:      risk,
		Window:    e.cfg.window,
	}
}

func (e *Engine) lookupRisk(ctx context.Context, identity string) int64 {
	riskCtx, cancel := context.WithTimeout(ctx, e.cfg.timeout)
	defer cancel()

	risk, err := e.risk.Score(riskCtx, identity)
	if err != nil {
		e.warn(ctx, slog.LevelWarn, "risk lookup failed, using base limit",
			slog.String("identity", identity),
			slog.Any("error", err),
		)
		return 0
	}
	return risk
}

// recordRisk returns the new score, or prev when the write failed.
func (e *Engine) recordRisk(ctx context.Context, identity string, prev int64) int64 {
	riskCtx, cancel := context.WithTimeout(ctx, e.cfg.timeout)
	defer cancel()

	risk, err := e.risk.Record(riskCtx, identity)
	if err != nil {
		e.warn(ctx, slog.LevelWarn, "risk increment failed",
			slog.String("identity", identity),
			slog.Any("error", err),
		)
		return prev
	}
	return risk
}

func (e *Engine) windowKey(identity, suffix string) string {
	key := e.cfg.prefix + e.accountant.Namespace() + identity
	if suffix = strings.TrimSpace(suffix); suffix != "" {
		key += ":" + suffix
	}
	return key
}

func (e *Engine) report(d Decision, elapsed time.Duration) {
	algo := e.cfg.algorithm.String()
	e.metrics.Add("ratelimit.decision", 1, map[string]string{
		"status":    d.Status.String(),
		"algorithm": algo,
	})
	e.metrics.Observe("ratelimit.latency", elapsed.Seconds(), map[string]string{"algorithm": algo})
	if d.Status == StatusDeny {
		e.metrics.Add("ratelimit.denied", 1, map[string]string{"algorithm": algo})
	}
}

// warn logs store failures at most warnRate times per second. During an
// outage every request fails the same way, so the rest are only counted.
func (e *Engine) warn(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if !e.warnLimiter.Allow() {
		e.suppressed.Add(1)
		return
	}
	if n := e.suppressed.Swap(0); n > 0 {
		attrs = append(attrs, slog.Int64("suppressed", n))
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		attrs = append(attrs, slog.Bool("client_gone", true))
	}
	e.logger.LogAttrs(context.WithoutCancel(ctx), level, msg, attrs...)
}
