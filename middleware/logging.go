package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	guardian "github.com/grpc-guardian/cache-guardian"
	"github.com/grpc-guardian/cache-guardian/pkg/policy"
)

// LoggingConfig holds configuration for logging middleware
type LoggingConfig struct {
	Logger      *zap.Logger
	Level       zapcore.Level
	LogHeaders  bool
	ExtraFields map[string]interface{}
}

// LoggingOption is a functional option for logging configuration
type LoggingOption func(*LoggingConfig)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) LoggingOption {
	return func(c *LoggingConfig) {
		c.Logger = logger
	}
}

// WithLevel sets the level used for successful requests
func WithLevel(level zapcore.Level) LoggingOption {
	return func(c *LoggingConfig) {
		c.Level = level
	}
}

// WithHeaders enables request header logging. Authorization is redacted.
func WithHeaders() LoggingOption {
	return func(c *LoggingConfig) {
		c.LogHeaders = true
	}
}

// WithExtraFields adds extra fields to all log entries
func WithExtraFields(fields map[string]interface{}) LoggingOption {
	return func(c *LoggingConfig) {
		c.ExtraFields = fields
	}
}

// Logging creates a logging middleware with the provided options
func Logging(opts ...LoggingOption) guardian.Middleware {
	config := &LoggingConfig{
		Logger: zap.NewNop(),
		Level:  zapcore.InfoLevel,
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		start := time.Now()
		pol := policy.FromContextOrDefault(req.Context())

		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Stringer("policy", pol.Mode),
		}
		for k, v := range config.ExtraFields {
			fields = append(fields, zap.Any(k, v))
		}
		if config.LogHeaders {
			fields = append(fields, zap.Any("headers", redact(req.Header)))
		}

		config.Logger.Debug("HTTP request started", fields...)

		resp, err := next.RoundTrip(req)
		duration := time.Since(start)

		fields = append(fields,
			zap.Duration("duration", duration),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)

		if err != nil {
			fields = append(fields, zap.Error(err))
			config.Logger.Warn("HTTP request failed", fields...)
			return nil, err
		}

		fields = append(fields,
			zap.Int("status", resp.StatusCode),
			zap.Bool("from_cache", resp.Header.Get(FromCacheHeader) == "true"),
		)

		switch {
		case resp.StatusCode >= 500:
			config.Logger.Error("HTTP request completed with server error", fields...)
		case resp.StatusCode >= 400:
			config.Logger.Warn("HTTP request rejected", fields...)
		default:
			if ce := config.Logger.Check(config.Level, "HTTP request completed"); ce != nil {
				ce.Write(fields...)
			}
		}

		return resp, nil
	}
}

// AccessLog creates a one-line-per-request access log middleware
func AccessLog(logger *zap.Logger) guardian.Middleware {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		start := time.Now()

		resp, err := next.RoundTrip(req)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		logger.Info("access",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Time("time", start),
		)

		return resp, err
	}
}

// PerformanceLog logs requests slower than threshold
func PerformanceLog(logger *zap.Logger, threshold time.Duration) guardian.Middleware {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		start := time.Now()

		resp, err := next.RoundTrip(req)

		if duration := time.Since(start); duration > threshold {
			logger.Warn("slow request detected",
				zap.String("url", req.URL.String()),
				zap.Duration("duration", duration),
				zap.Duration("threshold", threshold),
			)
		}

		return resp, err
	}
}

func redact(header http.Header) http.Header {
	out := header.Clone()
	if out.Get("Authorization") != "" {
		out.Set("Authorization", "REDACTED")
	}
	return out
}
