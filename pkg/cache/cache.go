// Package cache provides the durable response store used by the HTTP cache
package cache

import (
	"context"
	"io"
)

// Store defines the interface for durable response storage
type Store interface {
	// Get returns a snapshot of the entry, or ErrNotFound. A snapshot whose
	// files cannot be read is reported as ErrNotFound, never as corruption.
	Get(ctx context.Context, key string) (*Snapshot, error)

	// Put stores a header blob and body under key. On failure nothing is
	// left behind and the previous entry, if any, is untouched.
	Put(ctx context.Context, key string, header []byte, body io.Reader) error

	// Remove deletes an entry if present
	Remove(ctx context.Context, key string) error

	// Clear removes every entry
	Clear(ctx context.Context) error

	// Stats returns store statistics
	Stats() Stats
}

// Snapshot is a read-only view of a stored entry.
// Body must be closed by the caller.
type Snapshot struct {
	Key    string
	Header []byte
	Body   io.ReadCloser
	Size   int64
}

// Close releases the body stream
func (s *Snapshot) Close() error {
	if s.Body == nil {
		return nil
	}
	return s.Body.Close()
}

// Stats holds store statistics
type Stats struct {
	Hits        uint64  // Number of successful gets
	Misses      uint64  // Number of gets that found nothing readable
	Puts        uint64  // Number of committed puts
	PutFailures uint64  // Number of puts rolled back
	Removes     uint64  // Number of explicit removals
	Evictions   uint64  // Number of LRU evictions
	Entries     int     // Current number of entries
	Size        int64   // Current size in bytes
	MaxSize     int64   // Capacity in bytes
	HitRate     float64 // Hit rate (0.0 - 1.0)
	Degraded    bool    // True while the store runs as a no-op
}
