// Package guardian provides a client-side HTTP response cache built as an
// ordered pipeline of request middleware.
package guardian

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
)

// Middleware intercepts an outgoing request.
// It may short-circuit by returning a response without calling next.
type Middleware func(req *http.Request, next http.RoundTripper) (*http.Response, error)

// RoundTripperFunc adapts an ordinary function to http.RoundTripper
type RoundTripperFunc func(req *http.Request) (*http.Response, error)

// RoundTrip calls f(req)
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Chain represents an ordered chain of middleware
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Append adds middleware to the end of the chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Prepend adds middleware to the beginning of the chain
func (c *Chain) Prepend(middlewares ...Middleware) *Chain {
	c.middlewares = append(middlewares, c.middlewares...)
	return c
}

// Len returns the number of middleware in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Then returns a RoundTripper that runs the chain in order and finally
// hands the request to base. A nil base means http.DefaultTransport.
func (c *Chain) Then(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	current := base

	// Apply middleware in reverse order so the first one is outermost
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		middleware := c.middlewares[i]
		next := current

		current = RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return middleware(req, next)
		})
	}

	return current
}

// Client returns an http.Client whose transport runs the chain
func (c *Chain) Client(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: c.Then(base)}
}

// ChainUnaryClient creates a single interceptor from multiple unary client interceptors
func ChainUnaryClient(interceptors ...grpc.UnaryClientInterceptor) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		current := invoker

		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := current

			current = func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
				return interceptor(ctx, method, req, reply, cc, next, opts...)
			}
		}

		return current(ctx, method, req, reply, cc, opts...)
	}
}
