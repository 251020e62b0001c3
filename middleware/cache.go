package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	guardian "github.com/grpc-guardian/cache-guardian"
	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"github.com/grpc-guardian/cache-guardian/pkg/metrics"
	"github.com/grpc-guardian/cache-guardian/pkg/policy"
)

const (
	// CacheKeyHeader carries the cache key on outgoing requests. A caller
	// may set it to choose the key explicitly.
	CacheKeyHeader = "X-Guardian-Cache-Key"

	// FromCacheHeader is set to "true" on responses served from the cache
	FromCacheHeader = "X-Guardian-From-Cache"
)

// ErrTruncatedResponse matches errors for network bodies that ended early
var ErrTruncatedResponse = errors.New("network response truncated")

// TruncatedResponseError reports a network body that could not be read in
// full. Such responses are never cached.
type TruncatedResponseError struct {
	Key string
	Err error
}

func (e *TruncatedResponseError) Error() string {
	return fmt.Sprintf("truncated network response for key %s: %v", e.Key, e.Err)
}

func (e *TruncatedResponseError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTruncatedResponse) match
func (e *TruncatedResponseError) Is(target error) bool {
	return target == ErrTruncatedResponse
}

// CacheConfig holds configuration for the HTTP cache stage
type CacheConfig struct {
	Logger          *zap.Logger                                // Logger for absorbed faults
	KeyGenerator    cache.KeyGenerator                         // Key generation strategy
	DefaultMaxStale time.Duration                              // Staleness used when a policy sets none; 0 = never
	Cacheable       func(resp *http.Response, body []byte) bool // Decides whether a 2xx response is stored
	Collector       metrics.CacheCollector                     // Optional cache metrics
	Latency         *metrics.LatencyTracker                    // Optional latency quantiles
	Clock           func() time.Time                           // Time source for entry ages
}

// CacheOption is a functional option for cache configuration
type CacheOption func(*CacheConfig)

// WithCacheLogger sets the logger
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *CacheConfig) {
		c.Logger = logger
	}
}

// WithKeyGenerator sets the key generation strategy
func WithKeyGenerator(gen cache.KeyGenerator) CacheOption {
	return func(c *CacheConfig) {
		c.KeyGenerator = gen
	}
}

// WithDefaultMaxStale sets the staleness applied when a policy has none
func WithDefaultMaxStale(d time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.DefaultMaxStale = d
	}
}

// WithCacheable replaces the cacheability check for successful responses
func WithCacheable(fn func(resp *http.Response, body []byte) bool) CacheOption {
	return func(c *CacheConfig) {
		c.Cacheable = fn
	}
}

// WithCacheCollector enables cache metrics
func WithCacheCollector(collector metrics.CacheCollector) CacheOption {
	return func(c *CacheConfig) {
		c.Collector = collector
	}
}

// WithLatencyTracker records fetch, read and write latencies
func WithLatencyTracker(tracker *metrics.LatencyTracker) CacheOption {
	return func(c *CacheConfig) {
		c.Latency = tracker
	}
}

// WithClock sets the time source
func WithClock(clock func() time.Time) CacheOption {
	return func(c *CacheConfig) {
		c.Clock = clock
	}
}

// DefaultCacheable accepts 2xx responses unless the body is a JSON object
// with a non-empty top-level "errors" member
func DefaultCacheable(resp *http.Response, body []byte) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}

	var envelope struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		// Not a JSON object; nothing to inspect
		return true
	}

	switch string(bytes.TrimSpace(envelope.Errors)) {
	case "", "null", "[]":
		return true
	default:
		return false
	}
}

// Provenance records how a response was produced. Attach one to a request
// context with WithProvenance; the cache stage fills it in.
type Provenance struct {
	Key       string
	FromCache bool

	// NetworkResponse is the head of the network response, if one was
	// received. CacheResponse is the head of the cached response served.
	// Both are set when a failed network response fell back to the cache.
	NetworkResponse *http.Response
	CacheResponse   *http.Response
}

type provenanceKey struct{}

// WithProvenance returns a context carrying an empty Provenance
func WithProvenance(ctx context.Context) (context.Context, *Provenance) {
	p := &Provenance{}
	return context.WithValue(ctx, provenanceKey{}, p), p
}

// ProvenanceFrom returns the Provenance carried by ctx, or nil
func ProvenanceFrom(ctx context.Context) *Provenance {
	p, _ := ctx.Value(provenanceKey{}).(*Provenance)
	return p
}

// HTTPCache is the cache stage of the pipeline. It evaluates the request
// policy against the store and either serves the cache, calls the network,
// or both.
type HTTPCache struct {
	store  cache.Store
	config *CacheConfig
}

// NewHTTPCache creates a cache stage backed by store
func NewHTTPCache(store cache.Store, opts ...CacheOption) *HTTPCache {
	config := &CacheConfig{
		Logger:       zap.NewNop(),
		KeyGenerator: cache.NewDefaultKeyGenerator(),
		Cacheable:    DefaultCacheable,
		Clock:        time.Now,
	}

	for _, opt := range opts {
		opt(config)
	}

	return &HTTPCache{store: store, config: config}
}

// Cache creates a caching middleware backed by store
func Cache(store cache.Store, opts ...CacheOption) guardian.Middleware {
	return NewHTTPCache(store, opts...).Middleware()
}

// Middleware returns the cache stage as pipeline middleware
func (c *HTTPCache) Middleware() guardian.Middleware {
	return c.roundTrip
}

// Lookup returns the raw stored response for key, or cache.ErrNotFound
func (c *HTTPCache) Lookup(ctx context.Context, key string) (*http.Response, error) {
	snap, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	entry, err := cache.ReadEntry(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cache.ErrNotFound, err)
	}

	return entry.HTTPResponse(nil), nil
}

// Remove invalidates the entry stored under key
func (c *HTTPCache) Remove(ctx context.Context, key string) error {
	return c.store.Remove(ctx, key)
}

// Clear removes every stored response
func (c *HTTPCache) Clear(ctx context.Context) error {
	err := c.store.Clear(ctx)
	c.reportSize()
	return err
}

// Stats returns store statistics
func (c *HTTPCache) Stats() cache.Stats {
	return c.store.Stats()
}

func (c *HTTPCache) roundTrip(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	ctx := req.Context()

	// Work on a copy; the caller's request is not modified
	req = req.Clone(ctx)

	key, err := c.requestKey(req)
	if err != nil {
		c.config.Logger.Warn("cache key unavailable, bypassing cache",
			zap.String("url", req.URL.String()),
			zap.Error(err),
		)
		return next.RoundTrip(req)
	}
	req.Header.Set(CacheKeyHeader, key)

	pol := policy.FromContextOrDefault(ctx)
	prov := ProvenanceFrom(ctx)
	if prov != nil {
		*prov = Provenance{Key: key}
	}

	var entry *cache.Entry
	if pol.Mode.ReadsCache() {
		entry = c.read(ctx, key)
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

	c.config.Logger.Debug("cache plan",
		zap.String("key", key),
		zap.Stringer("mode", pol.Mode),
		zap.Stringer("state", state),
		zap.Stringer("action", plan.Action),
	)

	switch plan.Action {
	case policy.FailCacheMiss:
		return nil, &cache.CacheMissError{Key: key}
	case policy.ServeCache:
		return c.serve(ctx, req, entry, pol, prov, nil), nil
	}

	return c.fetch(req, next, key, pol, plan, entry, prov)
}

// fetch executes the network part of a plan
func (c *HTTPCache) fetch(req *http.Request, next http.RoundTripper, key string, pol policy.Policy, plan policy.Plan, entry *cache.Entry, prov *Provenance) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := next.RoundTrip(req)

	var body []byte
	if err == nil {
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()

		// A deadline or cancellation mid-body is a network failure like any
		// other; anything else means the response itself was cut short
		if err != nil && !interrupted(ctx, err) {
			c.track(metrics.OpNetworkFetch, start)
			c.config.Logger.Warn("network response truncated",
				zap.String("key", key),
				zap.Error(err),
			)
			return nil, &TruncatedResponseError{Key: key, Err: err}
		}
		if err != nil {
			resp = nil
		}
	}
	c.track(metrics.OpNetworkFetch, start)

	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		var networkHandle *http.Response
		if resp != nil {
			networkHandle = responseHead(resp)
		}

		if plan.Fallback && entry != nil {
			fields := []zap.Field{zap.String("key", key)}
			if err != nil {
				fields = append(fields, zap.Error(err))
			} else {
				fields = append(fields, zap.Int("status", resp.StatusCode))
			}
			c.config.Logger.Info("network failed, serving cached response", fields...)

			if c.config.Collector != nil {
				c.config.Collector.RecordFallback()
			}
			spanEvent(ctx, "cache.fallback", attribute.String("cache.key", key))
			return c.serve(ctx, req, entry, pol, prov, networkHandle), nil
		}

		if err != nil {
			return nil, fmt.Errorf("network fetch failed: %w", err)
		}

		// Unsuccessful responses are delivered as-is and never stored
		if prov != nil {
			prov.NetworkResponse = networkHandle
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	}

	if plan.WriteThrough {
		c.writeThrough(ctx, key, resp, body)
	}

	resp.Header.Del(FromCacheHeader)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	if prov != nil {
		prov.NetworkResponse = responseHead(resp)
	}
	return resp, nil
}

// serve answers from a cache entry
func (c *HTTPCache) serve(ctx context.Context, req *http.Request, entry *cache.Entry, pol policy.Policy, prov *Provenance, networkHandle *http.Response) *http.Response {
	resp := entry.HTTPResponse(req)
	resp.Header.Set(FromCacheHeader, "true")

	// The body is already fully read, so the entry can go now
	if pol.ExpireAfterRead {
		if err := c.store.Remove(ctx, entry.Key); err != nil {
			c.config.Logger.Warn("failed to expire cache entry after read",
				zap.String("key", entry.Key),
				zap.Error(err),
			)
		} else {
			spanEvent(ctx, "cache.expired_after_read", attribute.String("cache.key", entry.Key))
		}
	}

	if prov != nil {
		prov.FromCache = true
		prov.CacheResponse = responseHead(resp)
		prov.NetworkResponse = networkHandle
	}
	return resp
}

// read returns the materialized entry for key, or nil. Any failure to read
// the entry is treated as a miss.
func (c *HTTPCache) read(ctx context.Context, key string) *cache.Entry {
	start := time.Now()
	defer c.track(metrics.OpCacheRead, start)

	snap, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.config.Logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}

	entry, err := cache.ReadEntry(snap)
	if err != nil {
		c.config.Logger.Warn("cached entry unreadable, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		if c.config.Collector != nil {
			c.config.Collector.RecordLookup(metrics.LookupError)
		}
		return nil
	}

	return entry
}

// writeThrough stores a successful network response. Failures are logged
// and never reach the caller.
func (c *HTTPCache) writeThrough(ctx context.Context, key string, resp *http.Response, body []byte) {
	if !c.config.Cacheable(resp, body) {
		c.config.Logger.Debug("response not cacheable", zap.String("key", key))
		c.recordWrite(metrics.WriteSkipped)
		return
	}

	start := time.Now()
	header := cache.EncodeHeader(resp, c.config.Clock(), int64(len(body)))

	// The write outlives the caller's interest in the request
	err := c.store.Put(context.WithoutCancel(ctx), key, header, bytes.NewReader(body))
	c.track(metrics.OpCacheWrite, start)

	if err != nil {
		c.config.Logger.Warn("failed to cache response",
			zap.String("key", key),
			zap.Error(err),
		)
		c.recordWrite(metrics.WriteFailed)
		spanEvent(ctx, "cache.write_failed", attribute.String("cache.key", key))
		return
	}

	c.recordWrite(metrics.WriteOK)
	c.reportSize()
}

// requestKey returns the caller-supplied key or fingerprints the canonical
// body. Bodiless requests are keyed by method and URL.
func (c *HTTPCache) requestKey(req *http.Request) (string, error) {
	if key := req.Header.Get(CacheKeyHeader); key != "" {
		return key, nil
	}

	body, err := cache.RequestBody(req)
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		body = []byte(req.Method + " " + req.URL.String())
	}

	return c.config.KeyGenerator.GenerateKey(body)
}

func (c *HTTPCache) recordLookup(state policy.EntryState) {
	if c.config.Collector == nil {
		return
	}
	switch state {
	case policy.Fresh:
		c.config.Collector.RecordLookup(metrics.LookupHit)
	case policy.Stale:
		c.config.Collector.RecordLookup(metrics.LookupStale)
	default:
		c.config.Collector.RecordLookup(metrics.LookupMiss)
	}
}

func (c *HTTPCache) recordWrite(result string) {
	if c.config.Collector != nil {
		c.config.Collector.RecordStoreWrite(result)
	}
}

func (c *HTTPCache) reportSize() {
	if c.config.Collector != nil {
		stats := c.store.Stats()
		c.config.Collector.SetStoreSize(stats.Size, stats.Entries)
	}
}

func (c *HTTPCache) track(op string, start time.Time) {
	if c.config.Latency != nil {
		c.config.Latency.Since(op, start)
	}
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// responseHead copies the status and header of resp without its body
func responseHead(resp *http.Response) *http.Response {
	head := *resp
	head.Header = resp.Header.Clone()
	head.Body = http.NoBody
	return &head
}
