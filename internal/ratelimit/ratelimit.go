// Package ratelimit limits request rates per caller.
//
// MemoryLimiter keeps one token bucket per key in process memory; the
// Limiter interface lets a shared backend replace it when several instances
// run behind one load balancer.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request should proceed. An error means the
	// limiter itself failed; callers let the request through.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter, or a NoopLimiter when rps is not positive.
func New(rps float64, burst int) Limiter {
	if rps <= 0 {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(rps, burst)
}
