package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	guardian "github.com/grpc-guardian/cache-guardian"
)

// ErrTimeout is returned when a request exceeds its deadline. It matches
// context.DeadlineExceeded, so the cache stage treats it as a network
// failure.
var ErrTimeout = fmt.Errorf("request timed out: %w", context.DeadlineExceeded)

// TimeoutConfig holds configuration for timeout middleware
type TimeoutConfig struct {
	Timeout   time.Duration
	OnTimeout func(url string, duration time.Duration)
	PerHost   map[string]time.Duration
}

// TimeoutOption is a functional option for timeout configuration
type TimeoutOption func(*TimeoutConfig)

// WithTimeout sets the default timeout duration
func WithTimeout(timeout time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.Timeout = timeout
	}
}

// WithTimeoutCallback sets a callback function when timeout occurs
func WithTimeoutCallback(callback func(url string, duration time.Duration)) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.OnTimeout = callback
	}
}

// WithPerHostTimeout sets host-specific timeout durations
func WithPerHostTimeout(hostTimeouts map[string]time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.PerHost = hostTimeouts
	}
}

// Timeout creates a timeout middleware that enforces request deadlines.
// The deadline covers reading the response body.
// Default timeout is 10 seconds if not specified.
func Timeout(opts ...TimeoutOption) guardian.Middleware {
	config := &TimeoutConfig{
		Timeout: 10 * time.Second,
		PerHost: make(map[string]time.Duration),
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		timeout := config.Timeout
		if hostTimeout, ok := config.PerHost[req.URL.Host]; ok {
			timeout = hostTimeout
		}

		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		req = req.WithContext(ctx)

		type result struct {
			resp *http.Response
			err  error
		}
		resultChan := make(chan result, 1)

		go func() {
			resp, err := next.RoundTrip(req)
			resultChan <- result{resp: resp, err: err}
		}()

		select {
		case res := <-resultChan:
			if res.err != nil {
				cancel()
				if ctx.Err() == context.DeadlineExceeded {
					return nil, fmt.Errorf("%w after %v: %v", ErrTimeout, timeout, res.err)
				}
				return nil, res.err
			}
			res.resp.Body = &timeoutBody{rc: res.resp.Body, ctx: ctx, cancel: cancel, timeout: timeout}
			return res.resp, nil

		case <-ctx.Done():
			cancel()
			// A late response still has to be released
			go func() {
				if res := <-resultChan; res.resp != nil {
					res.resp.Body.Close()
				}
			}()

			// The caller may have canceled before the deadline
			if ctx.Err() != context.DeadlineExceeded {
				return nil, ctx.Err()
			}

			if config.OnTimeout != nil {
				config.OnTimeout(req.URL.String(), timeout)
			}
			return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
	}
}

// TimeoutSimple creates a simple timeout middleware with a fixed duration
func TimeoutSimple(timeout time.Duration) guardian.Middleware {
	return Timeout(WithTimeout(timeout))
}

// TimeoutPerHost creates a timeout middleware with host-specific timeouts
func TimeoutPerHost(defaultTimeout time.Duration, hostTimeouts map[string]time.Duration) guardian.Middleware {
	return Timeout(
		WithTimeout(defaultTimeout),
		WithPerHostTimeout(hostTimeouts),
	)
}

// timeoutBody keeps the deadline alive until the body is closed
type timeoutBody struct {
	rc      io.ReadCloser
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

func (b *timeoutBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF && b.ctx.Err() == context.DeadlineExceeded {
		return n, fmt.Errorf("%w after %v: %v", ErrTimeout, b.timeout, err)
	}
	return n, err
}

func (b *timeoutBody) Close() error {
	defer b.cancel()
	return b.rc.Close()
}
