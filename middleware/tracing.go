package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	guardian "github.com/grpc-guardian/cache-guardian"
	"github.com/grpc-guardian/cache-guardian/pkg/policy"
)

const defaultTracerName = "cache-guardian"

// TracingConfig holds configuration for tracing middleware
type TracingConfig struct {
	Tracer       trace.Tracer
	TracerName   string
	Propagator   propagation.TextMapPropagator
	RecordErrors bool
	RecordEvents bool
	ExtraAttrs   []attribute.KeyValue
}

// TracingOption is a functional option for tracing configuration
type TracingOption func(*TracingConfig)

// WithTracer sets a custom tracer
func WithTracer(tracer trace.Tracer) TracingOption {
	return func(c *TracingConfig) {
		c.Tracer = tracer
	}
}

// WithTracerName sets the tracer name
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithPropagator sets a custom propagator
func WithPropagator(propagator propagation.TextMapPropagator) TracingOption {
	return func(c *TracingConfig) {
		c.Propagator = propagator
	}
}

// WithRecordErrors enables error recording in spans
func WithRecordErrors() TracingOption {
	return func(c *TracingConfig) {
		c.RecordErrors = true
	}
}

// WithRecordEvents enables event recording in spans
func WithRecordEvents() TracingOption {
	return func(c *TracingConfig) {
		c.RecordEvents = true
	}
}

// WithExtraAttributes adds extra attributes to all spans
func WithExtraAttributes(attrs ...attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.ExtraAttrs = append(c.ExtraAttrs, attrs...)
	}
}

// Tracing creates a client span per request, injects the trace context into
// the outgoing headers and records how the cache answered. Place it in front
// of the cache stage.
func Tracing(opts ...TracingOption) guardian.Middleware {
	config := &TracingConfig{
		TracerName:   defaultTracerName,
		Propagator:   otel.GetTextMapPropagator(),
		RecordErrors: true,
		RecordEvents: true,
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.Tracer == nil {
		config.Tracer = otel.Tracer(config.TracerName)
	}

	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		ctx, span := config.Tracer.Start(req.Context(), "HTTP "+req.Method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(config.ExtraAttrs...),
		)
		defer span.End()

		prov := ProvenanceFrom(ctx)
		if prov == nil {
			ctx, prov = WithProvenance(ctx)
		}

		span.SetAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
			attribute.String("net.peer.name", req.URL.Hostname()),
			attribute.String("cache.policy", policy.FromContextOrDefault(ctx).Mode.String()),
		)

		req = req.Clone(ctx)
		config.Propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

		if config.RecordEvents {
			span.AddEvent("http.request.sent")
		}

		resp, err := next.RoundTrip(req)

		if config.RecordEvents {
			span.AddEvent("http.response.received")
		}

		if prov.Key != "" {
			span.SetAttributes(
				attribute.String("cache.key", prov.Key),
				attribute.Bool("cache.hit", prov.FromCache),
				attribute.Bool("cache.fallback", prov.FromCache && prov.NetworkResponse != nil),
			)
		}

		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("error.message", err.Error()))
			if config.RecordErrors {
				span.RecordError(err)
			}
			return nil, err
		}

		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode >= 500 {
			span.SetStatus(codes.Error, resp.Status)
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return resp, nil
	}
}

// TracingWithServiceName creates a tracing middleware with a service name
func TracingWithServiceName(serviceName string, opts ...TracingOption) guardian.Middleware {
	opts = append(opts, WithExtraAttributes(attribute.String("service.name", serviceName)))
	return Tracing(opts...)
}

// spanEvent adds an event to the span carried by ctx, if any is recording
func spanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
