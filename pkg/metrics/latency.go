package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operations tracked by the cache pipeline
const (
	OpNetworkFetch = "network_fetch"
	OpCacheRead    = "cache_read"
	OpCacheWrite   = "cache_write"
)

// LatencyTracker tracks latency quantiles per operation using DDSketch
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a tracker whose quantiles are within
// relativeAccuracy (e.g. 0.01 for 1%)
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for operation, in milliseconds
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// Since records the time elapsed since start
func (lt *LatencyTracker) Since(operation string, start time.Time) {
	lt.Record(operation, time.Since(start))
}

// LatencyStats summarizes one operation, in milliseconds
type LatencyStats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

// GetStats returns statistics for operation
func (lt *LatencyTracker) GetStats(operation string) (LatencyStats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		return LatencyStats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	stats := LatencyStats{Operation: operation, Count: int64(sketch.GetCount())}
	if stats.Count == 0 {
		return stats, nil
	}

	stats.Min, _ = sketch.GetMinValue()
	stats.P50, _ = sketch.GetValueAtQuantile(0.50)
	stats.P90, _ = sketch.GetValueAtQuantile(0.90)
	stats.P99, _ = sketch.GetValueAtQuantile(0.99)
	stats.Max, _ = sketch.GetMaxValue()

	return stats, nil
}

// Operations returns the tracked operation names, sorted
func (lt *LatencyTracker) Operations() []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	ops := make([]string, 0, len(lt.sketches))
	for op := range lt.sketches {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
