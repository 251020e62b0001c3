package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	guardian "github.com/grpc-guardian/cache-guardian"
)

// ErrRateLimited is returned when a request is rejected by a rate limiter.
// The cache stage treats it like any other network failure.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter interface for rate limiting implementations
type RateLimiter interface {
	Allow() bool
	Wait(ctx context.Context) error
}

// RateLimit creates a global rate limiting middleware using a token bucket.
// Requests over the limit fail immediately.
func RateLimit(ratePerSec float64, burst int) guardian.Middleware {
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), burst)

	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		if !limiter.Allow() {
			return nil, ErrRateLimited
		}
		return next.RoundTrip(req)
	}
}

// RateLimitWithWait creates a rate limiting middleware that waits for a
// token instead of rejecting
func RateLimitWithWait(ratePerSec float64, burst int) guardian.Middleware {
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), burst)

	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		if err := limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return next.RoundTrip(req)
	}
}

// PerHostRateLimiter manages rate limiters for individual upstream hosts
type PerHostRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewPerHostRateLimiter creates a new per-host rate limiter
func NewPerHostRateLimiter(ratePerSec float64, burst int) *PerHostRateLimiter {
	return &PerHostRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ratePerSec),
		burst:    burst,
	}
}

// GetLimiter returns the rate limiter for host
func (p *PerHostRateLimiter) GetLimiter(host string) *rate.Limiter {
	p.mu.RLock()
	limiter, exists := p.limiters[host]
	p.mu.RUnlock()

	if exists {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := p.limiters[host]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(p.rate, p.burst)
	p.limiters[host] = limiter

	return limiter
}

// RateLimitPerHost creates a rate limiting middleware keyed by request host
func RateLimitPerHost(ratePerSec float64, burst int) guardian.Middleware {
	limiters := NewPerHostRateLimiter(ratePerSec, burst)

	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		if !limiters.GetLimiter(req.URL.Host).Allow() {
			return nil, fmt.Errorf("%w for host: %s", ErrRateLimited, req.URL.Host)
		}
		return next.RoundTrip(req)
	}
}

// AdaptiveRateLimiter adjusts rate limits based on upstream load
type AdaptiveRateLimiter struct {
	limiter     *rate.Limiter
	mu          sync.RWMutex
	baseRate    rate.Limit
	currentRate rate.Limit
	burst       int
}

// NewAdaptiveRateLimiter creates an adaptive rate limiter
func NewAdaptiveRateLimiter(baseRate float64, burst int) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		limiter:     rate.NewLimiter(rate.Limit(baseRate), burst),
		baseRate:    rate.Limit(baseRate),
		currentRate: rate.Limit(baseRate),
		burst:       burst,
	}
}

// AdjustRate adjusts the rate limit based on load factor (0.0 - 1.0)
// loadFactor < 0.5: increase rate
// loadFactor > 0.8: decrease rate
func (a *AdaptiveRateLimiter) AdjustRate(loadFactor float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var newRate rate.Limit

	switch {
	case loadFactor < 0.5:
		newRate = a.currentRate * 1.2
		if newRate > a.baseRate*2 {
			newRate = a.baseRate * 2
		}
	case loadFactor > 0.8:
		newRate = a.currentRate * 0.8
		if newRate < a.baseRate*0.5 {
			newRate = a.baseRate * 0.5
		}
	case a.currentRate > a.baseRate:
		newRate = a.currentRate * 0.95
	case a.currentRate < a.baseRate:
		newRate = a.currentRate * 1.05
	default:
		return
	}

	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// CurrentRate returns the current limit in requests per second
func (a *AdaptiveRateLimiter) CurrentRate() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return float64(a.currentRate)
}

// Allow checks if a request is allowed
func (a *AdaptiveRateLimiter) Allow() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.limiter.Allow()
}

// Wait blocks until a request is allowed or ctx is done
func (a *AdaptiveRateLimiter) Wait(ctx context.Context) error {
	a.mu.RLock()
	limiter := a.limiter
	a.mu.RUnlock()
	return limiter.Wait(ctx)
}

// RateLimitWith creates a middleware around any RateLimiter
func RateLimitWith(limiter RateLimiter) guardian.Middleware {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		if !limiter.Allow() {
			return nil, ErrRateLimited
		}
		return next.RoundTrip(req)
	}
}
