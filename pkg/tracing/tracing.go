// Package tracing wires the OpenTelemetry SDK to a Jaeger collector for the
// cache pipeline's client spans.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config represents the tracing configuration
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string

	// CollectorEndpoint takes precedence over AgentHost when both are set
	CollectorEndpoint string
	AgentHost         string

	SamplingRate   float64
	MaxExportBatch int
	MaxQueueSize   int
	Attributes     map[string]string
}

// DefaultConfig returns the default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		ServiceName:       "cache-guardian",
		ServiceVersion:    "1.0.0",
		Environment:       getEnvOrDefault("ENVIRONMENT", "development"),
		CollectorEndpoint: getEnvOrDefault("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		SamplingRate:      1.0,
		MaxExportBatch:    512,
		MaxQueueSize:      2048,
	}
}

// Option is a functional option for Config
type Option func(*Config)

// WithServiceName sets the service name
func WithServiceName(name string) Option {
	return func(c *Config) {
		c.ServiceName = name
	}
}

// WithEnvironment sets the deployment environment
func WithEnvironment(env string) Option {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithCollectorEndpoint sets the Jaeger collector endpoint (HTTP)
func WithCollectorEndpoint(endpoint string) Option {
	return func(c *Config) {
		c.CollectorEndpoint = endpoint
	}
}

// WithAgentHost exports to a Jaeger agent over UDP instead of the collector
func WithAgentHost(host string) Option {
	return func(c *Config) {
		c.AgentHost = host
		c.CollectorEndpoint = ""
	}
}

// WithSamplingRate sets the trace sampling rate (0.0 to 1.0)
func WithSamplingRate(rate float64) Option {
	return func(c *Config) {
		c.SamplingRate = rate
	}
}

// WithAttribute adds an extra resource attribute
func WithAttribute(key, value string) Option {
	return func(c *Config) {
		if c.Attributes == nil {
			c.Attributes = make(map[string]string)
		}
		c.Attributes[key] = value
	}
}

// Setup builds a Jaeger-exported provider and installs it, together with
// the W3C propagators, as the global default. A disabled config returns nil.
func Setup(config *Config) (*sdktrace.TracerProvider, error) {
	if !config.Enabled {
		return nil, nil
	}

	exporter, err := newJaegerExporter(config)
	if err != nil {
		return nil, err
	}

	tp, err := NewProvider(config, exporter)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tp, nil
}

// QuickSetup sets up tracing for serviceName with the default config
func QuickSetup(serviceName string, opts ...Option) (*sdktrace.TracerProvider, error) {
	config := DefaultConfig()
	config.ServiceName = serviceName
	for _, opt := range opts {
		opt(config)
	}

	return Setup(config)
}

// NewProvider creates a provider batching spans to exporter. It does not
// touch the global provider.
func NewProvider(config *Config, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	}
	for key, value := range config.Attributes {
		attrs = append(attrs, attribute.String(key, value))
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
		sdktrace.WithMaxQueueSize(config.MaxQueueSize),
	)

	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(config.SamplingRate)),
	), nil
}

// Sampler returns a parent-based sampler for rate
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0.0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func newJaegerExporter(config *Config) (*jaeger.Exporter, error) {
	var endpoint jaeger.EndpointOption
	if config.CollectorEndpoint != "" {
		endpoint = jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.CollectorEndpoint))
	} else {
		endpoint = jaeger.WithAgentEndpoint(jaeger.WithAgentHost(config.AgentHost))
	}

	exporter, err := jaeger.New(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}
	return exporter, nil
}

// Shutdown flushes and stops tp. A nil provider is a no-op.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
