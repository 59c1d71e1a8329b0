// Package limiter provides a distributed, risk-adaptive rate limiter shared by
// many stateless processes through one fast external store.
//
// The primary entry point is Engine.Decide:
//
//	dec := engine.Decide(ctx, clientIP, "/add_to_cart")
//
// The returned Decision says whether the request is allowed, how much capacity
// is left, which limit was applied, and which HTTP status the caller should
// emit (HTTPStatus).
//
// # Overview
//
// Each decision runs through the same steps:
//
//   - Risk lookup: read the client's risk score (absent means 0).
//   - Effective limit: max(BaseLimit - risk, MinLimit).
//   - Limit check: one atomic call into the store through a WindowAccountant.
//   - On DENY: add 1 to the risk score and reset its decay TTL.
//
// A client that keeps getting blocked sees its limit tighten one step per
// DENY, down to MinLimit. Nothing ever unblocks a client explicitly: once it
// stops hitting the limit, the risk key expires and the limit returns to
// BaseLimit. Risk decays on its own TTL, independent of the rate window.
//
// # Window Accountants
//
// Two interchangeable algorithms are provided and selected with
// WithAlgorithm:
//
//   - FixedWindow: a counter that expires one window after the first request.
//     Cheap (one INCR), but a burst straddling a boundary can admit up to
//     twice the limit in a short span.
//
//   - SlidingWindowLog: a sorted set of request timestamps pruned on every
//     check. Exact, but storage grows with the requests in the window.
//
// # Backends
//
// Store is the contract to the shared store:
//
//   - RedisStore: backed by Redis. The window checks run as Lua scripts so the
//     read/compute/write cycle is atomic per key across every replica; the
//     risk increment runs in a MULTI/EXEC transaction.
//
//   - MemoryStore: an in-process store with the same semantics. Useful for
//     unit tests, local development, and single-instance deployments.
//
// # Failure Policy
//
// Every store round-trip is bounded by WithTimeout, derived from the caller's
// context.
//
//   - Risk lookup fails: risk is treated as 0 and the request proceeds.
//   - Limit check fails: the Decision has StatusError and Err matches
//     ErrStoreUnavailable. The engine does not retry, and no risk is written.
//   - Risk increment fails after a DENY: logged, the DENY stands.
//   - Empty or whitespace identity: StatusError with Err = ErrEmptyIdentity,
//     before any store call. It is a caller bug, not an outage, so it does not
//     match ErrStoreUnavailable; the HTTP layer still answers 500.
//
// Store-failure logs are throttled (WithWarnRate) so an outage does not flood
// the log; suppressed lines are counted on the next emitted one.
//
// # Storage Details
//
// Keys, with an optional prefix from WithPrefix:
//
//	rate:{identity}[:{suffix}]     fixed window counter
//	ratelog:{identity}[:{suffix}]  sliding window sorted set (score = ms)
//	risk:{identity}                risk score
//
// # Configuration
//
//	engine, _ := limiter.NewEngine(store,
//		limiter.WithLimits(15, 3),
//		limiter.WithWindow(time.Minute),
//		limiter.WithRiskTTL(5*time.Minute),
//		limiter.WithTimeout(200*time.Millisecond),
//		limiter.WithRecorder(myMetrics),
//	)
package limiter
