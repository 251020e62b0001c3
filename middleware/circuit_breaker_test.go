package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	guardian "github.com/grpc-guardian/cache-guardian"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreaker_StateMachine(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(
		WithFailureThreshold(0.5),
		WithOpenTimeout(100*time.Millisecond),
		WithMaxRequests(2),
		WithSuccessThreshold(2),
		WithBreakerClock(clock.Now),
	)
	assert.Equal(t, StateClosed, cb.State())

	// 80% failure rate
	for i := 0; i < 20; i++ {
		gen, err := cb.beforeRequest()
		if err != nil {
			break
		}
		if i%5 != 0 {
			cb.afterRequest(gen, nil, errors.New("connection refused"))
		} else {
			cb.afterRequest(gen, statusResponse(http.StatusOK), nil)
		}
	}
	require.Equal(t, StateOpen, cb.State())

	_, err := cb.beforeRequest()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	gen1, err := cb.beforeRequest()
	require.NoError(t, err)
	gen2, err := cb.beforeRequest()
	require.NoError(t, err)

	_, err = cb.beforeRequest()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	cb.afterRequest(gen1, statusResponse(http.StatusOK), nil)
	cb.afterRequest(gen2, statusResponse(http.StatusOK), nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(
		WithMinRequests(1),
		WithFailureThreshold(1.0),
		WithOpenTimeout(time.Second),
		WithBreakerClock(clock.Now),
	)

	gen, err := cb.beforeRequest()
	require.NoError(t, err)
	cb.afterRequest(gen, statusResponse(http.StatusInternalServerError), nil)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	gen, err = cb.beforeRequest()
	require.NoError(t, err)
	cb.afterRequest(gen, nil, errors.New("connection refused"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_MinRequests(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(0.5), WithMinRequests(5))

	for i := 0; i < 4; i++ {
		gen, err := cb.beforeRequest()
		require.NoError(t, err)
		cb.afterRequest(gen, nil, errors.New("connection refused"))
	}
	assert.Equal(t, StateClosed, cb.State())

	gen, err := cb.beforeRequest()
	require.NoError(t, err)
	cb.afterRequest(gen, nil, errors.New("connection refused"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(WithMinRequests(1), WithFailureThreshold(1.0))

	gen, err := cb.beforeRequest()
	require.NoError(t, err)
	cb.afterRequest(gen, nil, context.Canceled)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.GetCounts().TotalSuccesses)
}

func TestCircuitBreaker_Middleware(t *testing.T) {
	var transitions []string
	mw := CircuitBreakerMiddleware(
		WithMinRequests(2),
		WithFailureThreshold(0.5),
		WithOnStateChange(func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	calls := 0
	next := guardian.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return statusResponse(http.StatusBadGateway), nil
	})

	for i := 0; i < 2; i++ {
		resp, err := mw(newRequest(t, allPlanetsQuery), next)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}

	_, err := mw(newRequest(t, allPlanetsQuery), next)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"Closed->Open"}, transitions)
}

func TestCircuitBreaker_CustomFailure(t *testing.T) {
	cb := NewCircuitBreaker(
		WithMinRequests(1),
		WithFailureThreshold(0.5),
		WithIsFailure(func(resp *http.Response, err error) bool {
			return err != nil || resp.StatusCode == http.StatusTooManyRequests
		}),
	)

	mw := cb.Middleware()
	next := guardian.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return statusResponse(http.StatusInternalServerError), nil
	})
	_, err := mw(newRequest(t, allPlanetsQuery), next)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())

	next = guardian.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return statusResponse(http.StatusTooManyRequests), nil
	})
	_, err = mw(newRequest(t, allPlanetsQuery), next)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(WithMinRequests(1), WithFailureThreshold(1.0))

	gen, _ := cb.beforeRequest()
	cb.afterRequest(gen, nil, errors.New("connection refused"))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	stats := cb.GetStats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, Counts{}, stats.Counts)
	assert.Equal(t, uint64(2), stats.Generation)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(99).String())
}
