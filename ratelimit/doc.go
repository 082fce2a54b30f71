// Package ratelimit provides keyed token-bucket limits for the hub.
//
// Each key (a connection ID, a client address) gets its own bucket the
// first time it is seen. The hub limits inbound JSON-RPC messages per
// connection; the operator API limits mutating requests per client.
//
//	limiter := ratelimit.New(ratelimit.Config{Capacity: 120, Window: time.Minute})
//
//	if !limiter.Allow(connID) {
//	    return errRateLimited
//	}
//	defer limiter.Forget(connID) // when the connection goes away
//
// # Algorithm
//
// Buckets start full and refill continuously at Capacity/Window:
//   - Each Allow consumes one token
//   - If no tokens are available, Allow returns false
//   - Fractional refill carries over until a whole token accrues
//
// Idle buckets that have refilled completely are dropped once the limiter
// tracks more than DefaultMaxKeys keys (see WithMaxKeys), so client addresses do not accumulate.
//
// A zero Capacity disables limiting; a nil *Limiter allows everything.
package ratelimit
