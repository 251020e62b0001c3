package middleware

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	guardian "github.com/grpc-guardian/cache-guardian"
)

// Retry implements retry logic with exponential backoff for HTTP requests
type Retry struct {
	maxAttempts       int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            bool
	retryableStatus   map[int]bool
	onRetry           func(attempt int, err error, nextBackoff time.Duration)
}

// RetryOption configures a Retry middleware
type RetryOption func(*Retry)

// WithMaxAttempts sets the maximum number of attempts
// Default: 3
func WithMaxAttempts(n int) RetryOption {
	return func(r *Retry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithInitialBackoff sets the initial backoff duration
// Default: 100ms
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d > 0 {
			r.initialBackoff = d
		}
	}
}

// WithMaxBackoff sets the maximum backoff duration
// Default: 10s
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d > 0 {
			r.maxBackoff = d
		}
	}
}

// WithBackoffMultiplier sets the exponential backoff multiplier
// Default: 2.0 (doubles each retry)
func WithBackoffMultiplier(m float64) RetryOption {
	return func(r *Retry) {
		if m > 1.0 {
			r.backoffMultiplier = m
		}
	}
}

// WithJitter enables jitter to prevent thundering herd
// Default: true
func WithJitter(enabled bool) RetryOption {
	return func(r *Retry) {
		r.jitter = enabled
	}
}

// WithRetryableStatus sets which response status codes trigger a retry.
// Transport errors are always retried.
// Default: 429, 502, 503, 504
func WithRetryableStatus(codes ...int) RetryOption {
	return func(r *Retry) {
		r.retryableStatus = make(map[int]bool)
		for _, code := range codes {
			r.retryableStatus[code] = true
		}
	}
}

// WithOnRetry sets a callback function called before each retry attempt
func WithOnRetry(callback func(attempt int, err error, nextBackoff time.Duration)) RetryOption {
	return func(r *Retry) {
		r.onRetry = callback
	}
}

// ErrRetryableStatus is passed to the retry callback for retried responses
var ErrRetryableStatus = errors.New("retryable response status")

// NewRetry creates a new Retry middleware with default configuration
func NewRetry(opts ...RetryOption) *Retry {
	r := &Retry{
		maxAttempts:       3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            true,
		retryableStatus: map[int]bool{
			http.StatusTooManyRequests:    true,
			http.StatusBadGateway:         true,
			http.StatusServiceUnavailable: true,
			http.StatusGatewayTimeout:     true,
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Middleware returns the retry stage. Requests whose body cannot be
// replayed are sent once.
func (r *Retry) Middleware() guardian.Middleware {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		_, res := r.do(req, next)
		return res.resp, res.err
	}
}

type attemptResult struct {
	resp *http.Response
	err  error
}

func (r *Retry) do(req *http.Request, next http.RoundTripper) (int, attemptResult) {
	ctx := req.Context()
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	var last attemptResult
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return attempt, attemptResult{err: ctx.Err()}
		}

		outReq := req
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return attempt, attemptResult{err: err}
			}
			outReq = req.Clone(ctx)
			outReq.Body = body
		}

		resp, err := next.RoundTrip(outReq)
		last = attemptResult{resp: resp, err: err}

		if !r.isRetryable(resp, err) || !replayable || attempt >= r.maxAttempts {
			return attempt, last
		}

		cause := err
		if cause == nil {
			cause = ErrRetryableStatus
			drain(resp)
		}

		backoff := r.calculateBackoff(attempt)

		if r.onRetry != nil {
			r.onRetry(attempt, cause, backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, attemptResult{err: ctx.Err()}
		}
	}

	return r.maxAttempts, last
}

// isRetryable checks if an attempt should be retried
func (r *Retry) isRetryable(resp *http.Response, err error) bool {
	if err != nil {
		// The caller gave up; retrying cannot help
		return !errors.Is(err, context.Canceled)
	}
	return r.retryableStatus[resp.StatusCode]
}

// calculateBackoff calculates the backoff duration for the given attempt
// Uses exponential backoff with optional jitter
func (r *Retry) calculateBackoff(attempt int) time.Duration {
	// initialBackoff * (multiplier ^ (attempt - 1))
	backoff := float64(r.initialBackoff) * math.Pow(r.backoffMultiplier, float64(attempt-1))

	if backoff > float64(r.maxBackoff) {
		backoff = float64(r.maxBackoff)
	}

	// Randomize between 0 and calculated backoff
	if r.jitter {
		backoff = rand.Float64() * backoff
	}

	return time.Duration(backoff)
}

// drain discards a response that is about to be retried
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// RetryStats holds statistics about retry operations
type RetryStats struct {
	TotalRequests     uint64
	TotalRetries      uint64
	SuccessfulRetries uint64
	FailedRetries     uint64
}

// RetryWithStats wraps Retry with statistics tracking
type RetryWithStats struct {
	*Retry

	totalRequests     atomic.Uint64
	totalRetries      atomic.Uint64
	successfulRetries atomic.Uint64
	failedRetries     atomic.Uint64
}

// NewRetryWithStats creates a new Retry middleware with statistics tracking
func NewRetryWithStats(opts ...RetryOption) *RetryWithStats {
	return &RetryWithStats{
		Retry: NewRetry(opts...),
	}
}

// Middleware returns the retry stage, recording statistics
func (r *RetryWithStats) Middleware() guardian.Middleware {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		attempts, res := r.do(req, next)

		r.totalRequests.Add(1)
		if attempts > 1 {
			r.totalRetries.Add(uint64(attempts - 1))
			if res.err == nil && !r.isRetryable(res.resp, nil) {
				r.successfulRetries.Add(1)
			} else {
				r.failedRetries.Add(1)
			}
		}

		return res.resp, res.err
	}
}

// GetStats returns the current retry statistics
func (r *RetryWithStats) GetStats() RetryStats {
	return RetryStats{
		TotalRequests:     r.totalRequests.Load(),
		TotalRetries:      r.totalRetries.Load(),
		SuccessfulRetries: r.successfulRetries.Load(),
		FailedRetries:     r.failedRetries.Load(),
	}
}

// ResetStats resets the retry statistics
func (r *RetryWithStats) ResetStats() {
	r.totalRequests.Store(0)
	r.totalRetries.Store(0)
	r.successfulRetries.Store(0)
	r.failedRetries.Store(0)
}
