package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client IP
type RateLimiter struct {
	mu       sync.Mutex
	enabled  bool
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per client
// with the given burst.
func NewRateLimiter(enabled bool, requestsPerMinute, burst int) *RateLimiter {
	r := &RateLimiter{visitors: make(map[string]*visitor)}
	r.UpdateLimits(enabled, requestsPerMinute, burst)
	return r
}

// UpdateLimits changes the limits of existing and future clients
func (r *RateLimiter) UpdateLimits(enabled bool, requestsPerMinute, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if burst < 1 {
		burst = 1
	}
	r.enabled = enabled
	r.limit = rate.Limit(float64(requestsPerMinute) / 60.0)
	r.burst = burst
	for _, v := range r.visitors {
		v.limiter.SetLimit(r.limit)
		v.limiter.SetBurst(r.burst)
	}
}

// Allow reports whether a request from clientIP may proceed
func (r *RateLimiter) Allow(clientIP string) bool {
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return true
	}
	v, ok := r.visitors[clientIP]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[clientIP] = v
	}
	v.lastSeen = time.Now()
	r.mu.Unlock()

	return v.limiter.Allow()
}

// Enabled reports whether limiting is active
func (r *RateLimiter) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// CleanupOldVisitors drops clients idle for longer than maxIdle
func (r *RateLimiter) CleanupOldVisitors(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for ip, v := range r.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(r.visitors, ip)
			removed++
		}
	}
	return removed
}

func (r *RateLimiter) visitorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}
