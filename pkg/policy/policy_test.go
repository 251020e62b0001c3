package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		state  EntryState
		want   Plan
	}{
		{"cache only absent", CacheOnlyPolicy, Absent, Plan{Action: FailCacheMiss}},
		{"cache only fresh", CacheOnlyPolicy, Fresh, Plan{Action: ServeCache}},
		{"cache only stale", CacheOnlyPolicy, Stale, Plan{Action: ServeCache}},

		{"network only absent", NetworkOnlyPolicy, Absent, Plan{Action: FetchNetwork, WriteThrough: true}},
		{"network only fresh", NetworkOnlyPolicy, Fresh, Plan{Action: FetchNetwork, WriteThrough: true}},
		{"network only stale", NetworkOnlyPolicy, Stale, Plan{Action: FetchNetwork, WriteThrough: true}},

		{"cache first absent", CacheFirstPolicy, Absent, Plan{Action: FetchNetwork, WriteThrough: true}},
		{"cache first fresh", CacheFirstPolicy, Fresh, Plan{Action: ServeCache}},
		{"cache first stale", CacheFirstPolicy, Stale, Plan{Action: FetchNetwork, WriteThrough: true, Fallback: true}},

		{"network first absent", NetworkFirstPolicy, Absent, Plan{Action: FetchNetwork, WriteThrough: true}},
		{"network first fresh", NetworkFirstPolicy, Fresh, Plan{Action: FetchNetwork, WriteThrough: true, Fallback: true}},
		{"network first stale", NetworkFirstPolicy, Stale, Plan{Action: FetchNetwork, WriteThrough: true, Fallback: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.policy, tt.state))
		})
	}
}

func TestState(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("absent", func(t *testing.T) {
		assert.Equal(t, Absent, CacheFirstPolicy.State(false, created, created, 0))
	})

	t.Run("default never stale", func(t *testing.T) {
		now := created.Add(365 * 24 * time.Hour)
		assert.Equal(t, Fresh, CacheFirstPolicy.State(true, created, now, 0))
	})

	t.Run("policy max stale", func(t *testing.T) {
		p := CacheFirstPolicy.ExpireAfter(3 * time.Second)
		assert.Equal(t, Fresh, p.State(true, created, created.Add(3*time.Second), 0))
		assert.Equal(t, Stale, p.State(true, created, created.Add(3*time.Second+time.Nanosecond), 0))
	})

	t.Run("store default", func(t *testing.T) {
		assert.Equal(t, Stale, CacheFirstPolicy.State(true, created, created.Add(time.Minute), time.Second))
	})

	t.Run("policy overrides store default", func(t *testing.T) {
		p := CacheFirstPolicy.ExpireAfter(time.Hour)
		assert.Equal(t, Fresh, p.State(true, created, created.Add(time.Minute), time.Second))
	})
}

func TestPolicy_BuildersReturnCopies(t *testing.T) {
	base := CacheOnlyPolicy
	derived := base.ExpireAfter(time.Second).ExpireAfterReadOnce()

	assert.Equal(t, Policy{Mode: CacheOnly}, base)
	assert.Equal(t, Policy{Mode: CacheOnly, MaxStale: time.Second, ExpireAfterRead: true}, derived)
	assert.Equal(t, Policy{Mode: CacheOnly}, CacheOnlyPolicy)
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	assert.Equal(t, CacheFirstPolicy, FromContextOrDefault(context.Background()))

	ctx := NewContext(context.Background(), NetworkFirstPolicy)
	p, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, NetworkFirstPolicy, p)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "CACHE_FIRST", Mode(0).String())
	assert.Equal(t, "NETWORK_FIRST", NetworkFirst.String())
	assert.True(t, CacheOnly.ReadsCache())
	assert.False(t, NetworkOnly.ReadsCache())
}
