// Package policy decides how a request is served: from the cache, from the
// network, or from the network with a cache fallback.
package policy

import (
	"context"
	"time"
)

// Mode selects where a response may come from
type Mode int

const (
	// CacheFirst serves a fresh cache entry, otherwise fetches the network
	// and falls back to a stale entry if the fetch fails
	CacheFirst Mode = iota
	// CacheOnly serves from the cache and never touches the network
	CacheOnly
	// NetworkOnly always fetches and never serves from the cache
	NetworkOnly
	// NetworkFirst always fetches and falls back to the cache on failure
	NetworkFirst
)

func (m Mode) String() string {
	switch m {
	case CacheFirst:
		return "CACHE_FIRST"
	case CacheOnly:
		return "CACHE_ONLY"
	case NetworkOnly:
		return "NETWORK_ONLY"
	case NetworkFirst:
		return "NETWORK_FIRST"
	default:
		return "UNKNOWN"
	}
}

// Policy is an immutable per-request cache policy.
// A zero MaxStale defers to the store default, which is "never stale".
type Policy struct {
	Mode            Mode
	MaxStale        time.Duration
	ExpireAfterRead bool
}

// Predefined policies
var (
	CacheOnlyPolicy    = Policy{Mode: CacheOnly}
	NetworkOnlyPolicy  = Policy{Mode: NetworkOnly}
	CacheFirstPolicy   = Policy{Mode: CacheFirst}
	NetworkFirstPolicy = Policy{Mode: NetworkFirst}
)

// Default returns the policy used when a request carries none
func Default() Policy {
	return CacheFirstPolicy
}

// ExpireAfter returns a copy of p whose entries go stale after d
func (p Policy) ExpireAfter(d time.Duration) Policy {
	p.MaxStale = d
	return p
}

// ExpireAfterReadOnce returns a copy of p that deletes an entry once it
// has been served
func (p Policy) ExpireAfterReadOnce() Policy {
	p.ExpireAfterRead = true
	return p
}

type contextKey struct{}

// NewContext returns a context carrying p
func NewContext(ctx context.Context, p Policy) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the policy carried by ctx, if any
func FromContext(ctx context.Context) (Policy, bool) {
	p, ok := ctx.Value(contextKey{}).(Policy)
	return p, ok
}

// FromContextOrDefault returns the policy carried by ctx or Default()
func FromContextOrDefault(ctx context.Context) Policy {
	if p, ok := FromContext(ctx); ok {
		return p
	}
	return Default()
}
