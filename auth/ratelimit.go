package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-credential ceiling using x/time/rate's token
// bucket, one limiter per credential ID created lazily on first use.
type RateLimiter struct {
	defaultRPS rate.Limit
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter with the given default requests-per-
// second ceiling, used for credentials without an explicit RateCeiling.
func NewRateLimiter(defaultRPS int, burst int) *RateLimiter {
	if defaultRPS <= 0 {
		defaultRPS = 50
	}
	if burst <= 0 {
		burst = defaultRPS
	}
	return &RateLimiter{
		defaultRPS: rate.Limit(defaultRPS),
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Allow reports whether credentialID may proceed now, given its optional
// per-credential ceiling (nil falls back to the default).
func (r *RateLimiter) Allow(credentialID string, ceiling *int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[credentialID]
	if !ok {
		limit := r.defaultRPS
		burst := r.burst
		if ceiling != nil && *ceiling > 0 {
			limit = rate.Limit(*ceiling)
			burst = *ceiling
		}
		l = rate.NewLimiter(limit, burst)
		r.limiters[credentialID] = l
	}
	return l.Allow()
}
