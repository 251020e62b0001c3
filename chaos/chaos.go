// Package chaos provides fault injection for the cache pipeline: transport
// faults as middleware and I/O faults as a wrapping filesystem.
package chaos

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	guardian "github.com/grpc-guardian/cache-guardian"
)

// ErrInjectedTransport is returned for injected transport failures
var ErrInjectedTransport = errors.New("chaos: injected transport failure")

// ChaosConfig holds configuration for transport chaos
type ChaosConfig struct {
	// Latency injection
	LatencyEnabled     bool
	LatencyMin         time.Duration
	LatencyMax         time.Duration
	LatencyProbability float64

	// Transport error injection
	ErrorEnabled     bool
	ErrorProbability float64

	// Synthetic status responses
	StatusEnabled     bool
	StatusCode        int
	StatusProbability float64

	// Body truncation
	TruncateEnabled     bool
	TruncateProbability float64

	// Conditional enabling
	EnableCondition func() bool
}

// ChaosOption is a functional option for chaos configuration
type ChaosOption func(*ChaosConfig)

// WithLatency enables latency injection
func WithLatency(min, max time.Duration, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.LatencyEnabled = true
		c.LatencyMin = min
		c.LatencyMax = max
		c.LatencyProbability = probability
	}
}

// WithErrors makes the transport fail without a response
func WithErrors(probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.ErrorEnabled = true
		c.ErrorProbability = probability
	}
}

// WithStatus answers with a synthetic response carrying code
func WithStatus(code int, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.StatusEnabled = true
		c.StatusCode = code
		c.StatusProbability = probability
	}
}

// WithTruncation cuts response bodies short with io.ErrUnexpectedEOF
func WithTruncation(probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.TruncateEnabled = true
		c.TruncateProbability = probability
	}
}

// WithCondition sets a condition for enabling chaos
func WithCondition(condition func() bool) ChaosOption {
	return func(c *ChaosConfig) {
		c.EnableCondition = condition
	}
}

// New creates transport chaos middleware. Place it after the cache stage so
// injected faults look like network faults.
func New(opts ...ChaosOption) guardian.Middleware {
	config := &ChaosConfig{
		EnableCondition: func() bool { return true },
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		if !config.EnableCondition() {
			return next.RoundTrip(req)
		}

		if config.LatencyEnabled && shouldInject(config.LatencyProbability) {
			delay := randomDuration(config.LatencyMin, config.LatencyMax)

			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		if config.ErrorEnabled && shouldInject(config.ErrorProbability) {
			return nil, fmt.Errorf("%w: %s %s", ErrInjectedTransport, req.Method, req.URL)
		}

		if config.StatusEnabled && shouldInject(config.StatusProbability) {
			return syntheticResponse(req, config.StatusCode), nil
		}

		resp, err := next.RoundTrip(req)
		if err != nil {
			return nil, err
		}

		if config.TruncateEnabled && shouldInject(config.TruncateProbability) {
			limit := resp.ContentLength / 2
			if limit < 0 {
				limit = 0
			}
			resp.Body = &truncatedBody{rc: resp.Body, remaining: limit}
		}

		return resp, nil
	}
}

// LatencyInjector creates latency injection middleware
func LatencyInjector(min, max time.Duration, probability float64) guardian.Middleware {
	return New(WithLatency(min, max, probability))
}

// ErrorInjector creates transport error injection middleware
func ErrorInjector(probability float64) guardian.Middleware {
	return New(WithErrors(probability))
}

// StatusInjector answers with code instead of calling the network
func StatusInjector(code int, probability float64) guardian.Middleware {
	return New(WithStatus(code, probability))
}

// TruncationInjector cuts response bodies short
func TruncationInjector(probability float64) guardian.Middleware {
	return New(WithTruncation(probability))
}

// Presets for common chaos scenarios

// FlakyChaos simulates a flaky network with random errors and gateway timeouts
func FlakyChaos(probability float64) guardian.Middleware {
	return New(
		WithLatency(50*time.Millisecond, 500*time.Millisecond, probability),
		WithErrors(probability/2),
		WithStatus(http.StatusGatewayTimeout, probability/2),
	)
}

// PartitionChaos simulates a network partition
func PartitionChaos(probability float64) guardian.Middleware {
	return ErrorInjector(probability)
}

// shouldInject determines if chaos should be injected based on probability
func shouldInject(probability float64) bool {
	return rand.Float64() < probability
}

// randomDuration returns a random duration between min and max
func randomDuration(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func syntheticResponse(req *http.Request, code int) *http.Response {
	body := fmt.Sprintf("chaos: injected status %d", code)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// truncatedBody yields at most remaining bytes, then io.ErrUnexpectedEOF
type truncatedBody struct {
	rc        io.ReadCloser
	remaining int64
}

func (t *truncatedBody) Read(p []byte) (int, error) {
	if t.remaining <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if int64(len(p)) > t.remaining {
		p = p[:t.remaining]
	}
	n, err := t.rc.Read(p)
	t.remaining -= int64(n)
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (t *truncatedBody) Close() error {
	return t.rc.Close()
}
