package middleware

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"

	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"github.com/grpc-guardian/cache-guardian/pkg/metrics"
	"github.com/grpc-guardian/cache-guardian/pkg/policy"
)

const (
	grpcContentType  = "application/grpc+proto"
	grpcMethodHeader = "X-Guardian-Grpc-Method"
)

// UnaryClientInterceptor applies the cache stage to unary gRPC calls. The
// key covers the method name and the deterministic encoding of the request.
// Calls whose request or reply is not a protobuf message bypass the cache.
func (c *HTTPCache) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		reqMsg, ok := req.(proto.Message)
		replyMsg, ok2 := reply.(proto.Message)
		if !ok || !ok2 {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		key, err := c.grpcKey(method, reqMsg)
		if err != nil {
			c.config.Logger.Warn("cache key unavailable, bypassing cache",
				zap.String("method", method),
				zap.Error(err),
			)
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		pol := policy.FromContextOrDefault(ctx)
		prov := ProvenanceFrom(ctx)
		if prov != nil {
			*prov = Provenance{Key: key}
		}

		var entry *cache.Entry
		var cached proto.Message
		if pol.Mode.ReadsCache() {
			entry, cached = c.readMessage(ctx, key, replyMsg)
		}

		var createdAt time.Time
		if entry != nil {
			createdAt = entry.CreatedAt
		}
		state := pol.State(entry != nil, createdAt, c.config.Clock(), c.config.DefaultMaxStale)
		if pol.Mode.ReadsCache() {
			c.recordLookup(state)
		}

		plan := policy.Evaluate(pol, state)

		switch plan.Action {
		case policy.FailCacheMiss:
			return &cache.CacheMissError{Key: key}
		case policy.ServeCache:
			c.serveMessage(ctx, entry, cached, replyMsg, pol, prov)
			return nil
		}

		start := time.Now()
		err = invoker(ctx, method, req, reply, cc, opts...)
		c.track(metrics.OpNetworkFetch, start)

		if err != nil {
			if plan.Fallback && entry != nil {
				c.config.Logger.Info("network failed, serving cached response",
					zap.String("key", key),
					zap.String("method", method),
					zap.Error(err),
				)
				if c.config.Collector != nil {
					c.config.Collector.RecordFallback()
				}
				c.serveMessage(ctx, entry, cached, replyMsg, pol, prov)
				return nil
			}
			return err
		}

		body, err := proto.MarshalOptions{Deterministic: true}.Marshal(replyMsg)
		if err != nil {
			c.config.Logger.Warn("failed to encode reply for caching",
				zap.String("key", key),
				zap.Error(err),
			)
			return nil
		}

		head := grpcResponse(method)
		if plan.WriteThrough {
			c.writeThrough(ctx, key, head, body)
		}
		if prov != nil {
			prov.NetworkResponse = head
		}
		return nil
	}
}

func (c *HTTPCache) grpcKey(method string, req proto.Message) (string, error) {
	encoded, err := proto.MarshalOptions{Deterministic: true}.Marshal(req)
	if err != nil {
		return "", err
	}

	canonical := make([]byte, 0, len(method)+1+len(encoded))
	canonical = append(canonical, method...)
	canonical = append(canonical, '\n')
	canonical = append(canonical, encoded...)

	return c.config.KeyGenerator.GenerateKey(canonical)
}

// readMessage returns the stored entry decoded as a message of the same
// type as reply. Entries that do not decode are treated as absent.
func (c *HTTPCache) readMessage(ctx context.Context, key string, reply proto.Message) (*cache.Entry, proto.Message) {
	entry := c.read(ctx, key)
	if entry == nil {
		return nil, nil
	}

	if entry.Response.Header.Get("Content-Type") != grpcContentType {
		c.config.Logger.Warn("cached entry is not a gRPC reply, treating as miss", zap.String("key", key))
		return nil, nil
	}

	msg := reply.ProtoReflect().New().Interface()
	if err := proto.Unmarshal(entry.Body, msg); err != nil {
		c.config.Logger.Warn("cached reply undecodable, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, nil
	}

	return entry, msg
}

func (c *HTTPCache) serveMessage(ctx context.Context, entry *cache.Entry, cached, reply proto.Message, pol policy.Policy, prov *Provenance) {
	proto.Reset(reply)
	proto.Merge(reply, cached)

	if pol.ExpireAfterRead {
		if err := c.store.Remove(ctx, entry.Key); err != nil {
			c.config.Logger.Warn("failed to expire cache entry after read",
				zap.String("key", entry.Key),
				zap.Error(err),
			)
		}
	}

	if prov != nil {
		prov.FromCache = true
		prov.CacheResponse = responseHead(entry.HTTPResponse(nil))
	}
}

// grpcResponse is the synthetic response head stored with gRPC replies
func grpcResponse(method string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", grpcContentType)
	header.Set(grpcMethodHeader, method)

	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       http.NoBody,
	}
}
