package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Store.Get when no readable entry exists
	ErrNotFound = errors.New("cache: entry not found")

	// ErrCacheMiss is returned when a policy forbids the network and the
	// cache cannot satisfy the request
	ErrCacheMiss = errors.New("cache: miss with network access disabled")

	// ErrUnavailable is returned by writes while the store runs degraded
	ErrUnavailable = errors.New("cache: store unavailable")

	// ErrEntryTooLarge is returned when a single entry exceeds the capacity
	ErrEntryTooLarge = errors.New("cache: entry larger than capacity")

	// ErrInvalidKey is returned for keys that cannot be used as file names
	ErrInvalidKey = errors.New("cache: invalid key")
)

// CacheMissError reports a cache-only request that found nothing to serve
type CacheMissError struct {
	Key string
}

func (e *CacheMissError) Error() string {
	return fmt.Sprintf("cache miss for key %s: network access disabled by policy", e.Key)
}

// Is makes errors.Is(err, ErrCacheMiss) match
func (e *CacheMissError) Is(target error) bool {
	return target == ErrCacheMiss
}
