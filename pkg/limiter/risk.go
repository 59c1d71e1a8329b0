package limiter

import (
	"context"
	"time"
)

// EffectiveLimit returns max(base-risk, min). Negative risk counts as zero.
func EffectiveLimit(base, min, risk int64) int64 {
	if risk < 0 {
		risk = 0
	}
	limit := base - risk
	if limit < min {
		return min
	}
	return limit
}

// RiskTracker keeps the per-identity risk score in the store. The score goes
// up by one on every DENY and its TTL is reset each time, so a client that
// stops getting blocked drifts back to the base limit once the key expires.
type RiskTracker struct {
	store  Store
	prefix string
	ttl    time.Duration
}

func NewRiskTracker(store Store, prefix string, ttl time.Duration) *RiskTracker {
	return &RiskTracker{store: store, prefix: prefix, ttl: ttl}
}

func (r *RiskTracker) key(identity string) string {
	return r.prefix + "risk:" + identity
}

// Score returns the current risk. An absent key is zero; so is a negative
// stored value.
func (r *RiskTracker) Score(ctx context.Context, identity string) (int64, error) {
	v, ok, err := r.store.Get(ctx, r.key(identity))
	if err != nil {
		return 0, err
	}
	if !ok || v < 0 {
		return 0, nil
	}
	return v, nil
}

// Record adds one to the score and refreshes its decay TTL.
func (r *RiskTracker) Record(ctx context.Context, identity string) (int64, error) {
	return r.store.IncrementWithTTL(ctx, r.key(identity), r.ttl)
}
