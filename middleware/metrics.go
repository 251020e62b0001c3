package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	guardian "github.com/grpc-guardian/cache-guardian"
	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"github.com/grpc-guardian/cache-guardian/pkg/metrics"
)

// MetricsMiddleware creates a middleware that collects request metrics.
// Requests answered from the cache are labelled with the code "cache".
func MetricsMiddleware(collector metrics.MetricsCollector) guardian.Middleware {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		method := req.Method
		start := time.Now()

		collector.RecordActiveRequests(method, 1)
		defer collector.RecordActiveRequests(method, -1)

		resp, err := next.RoundTrip(req)
		duration := time.Since(start)

		if err != nil {
			errorType := errorType(err)
			collector.RecordError(method, errorType)
			collector.RecordRequest(method, errorType, duration)
			return nil, err
		}

		code := strconv.Itoa(resp.StatusCode)
		if resp.Header.Get(FromCacheHeader) == "true" {
			code = "cache"
		}
		if resp.StatusCode >= 500 {
			collector.RecordError(method, "status_"+strconv.Itoa(resp.StatusCode))
		}
		collector.RecordRequest(method, code, duration)

		return resp, nil
	}
}

// Metrics creates a metrics middleware with a new Prometheus collector
func Metrics(opts ...metrics.ConfigOption) guardian.Middleware {
	collector, err := metrics.NewPrometheusCollector(opts...)
	if err != nil {
		panic(err) // Should not happen with valid options
	}

	return MetricsMiddleware(collector)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, cache.ErrCacheMiss):
		return "cache_miss"
	case errors.Is(err, ErrTruncatedResponse):
		return "truncated"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "transport"
	}
}
