package infrastructure

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func newTestBreaker(store BreakerStore, clock *fakeClock) *CircuitBreaker {
	b := NewCircuitBreaker("shopify", store, DefaultBreakerConfig(), quietLogger())
	b.now = clock.Now
	return b
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestCircuitBreakerStateMachine(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := newTestBreaker(NewMemoryBreakerStore(), clock)

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Call(ctx, fail), errBoom)
	}
	st, _ := b.Snapshot(ctx)
	assert.Equal(t, BreakerClosed, st.State)
	assert.Equal(t, 4, st.Failures)

	require.ErrorIs(t, b.Call(ctx, fail), errBoom)
	st, _ = b.Snapshot(ctx)
	require.Equal(t, BreakerOpen, st.State)

	invoked := false
	err := b.Call(ctx, func(context.Context) error { invoked = true; return nil })
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, invoked, "open breaker must not invoke the operation")

	// cooldown is strict: exactly timeout is still open
	clock.Advance(60 * time.Second)
	require.ErrorIs(t, b.Call(ctx, succeed), ErrBreakerOpen)

	clock.Advance(time.Millisecond)
	require.NoError(t, b.Call(ctx, succeed))
	st, _ = b.Snapshot(ctx)
	assert.Equal(t, BreakerHalfOpen, st.State)
	assert.Equal(t, 1, st.Successes)

	require.NoError(t, b.Call(ctx, succeed))
	require.NoError(t, b.Call(ctx, succeed))
	st, _ = b.Snapshot(ctx)
	assert.Equal(t, BreakerClosed, st.State)
	assert.Equal(t, 0, st.Failures)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := newTestBreaker(NewMemoryBreakerStore(), clock)

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.Advance(61 * time.Second)
	require.NoError(t, b.Call(ctx, succeed))
	require.ErrorIs(t, b.Call(ctx, fail), errBoom)

	st, _ := b.Snapshot(ctx)
	assert.Equal(t, BreakerOpen, st.State)
	assert.Equal(t, clock.Now(), st.LastFailure)
	require.ErrorIs(t, b.Call(ctx, succeed), ErrBreakerOpen)
}

func TestCircuitBreakerSingleProbe(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := newTestBreaker(NewMemoryBreakerStore(), clock)
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.Advance(61 * time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	invoked := false
	err := b.Call(ctx, func(context.Context) error { invoked = true; return nil })
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, invoked)

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, b.Call(ctx, succeed))
}

func TestCircuitBreakerNeutralErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(NewMemoryBreakerStore(), newFakeClock())
	badRequest := errors.New("400 bad recipient")

	for i := 0; i < 10; i++ {
		err := b.Call(ctx, func(context.Context) error { return Neutral(badRequest) })
		require.Equal(t, badRequest, err)
	}
	st, _ := b.Snapshot(ctx)
	assert.Equal(t, BreakerClosed, st.State)
	assert.Zero(t, st.Failures)
}

func TestCircuitBreakerCanceledProbesDoNotClose(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := newTestBreaker(NewMemoryBreakerStore(), clock)
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.Advance(61 * time.Second)

	canceled := func(context.Context) error { return context.Canceled }
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Call(ctx, canceled), context.Canceled)
	}
	st, _ := b.Snapshot(ctx)
	assert.Equal(t, BreakerHalfOpen, st.State)
	assert.Zero(t, st.Successes)
	assert.True(t, st.ProbeUntil.IsZero(), "abandoned probe frees the slot")

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Call(ctx, succeed))
	}
	st, _ = b.Snapshot(ctx)
	assert.Equal(t, BreakerClosed, st.State)
}

func TestCircuitBreakerCanceledCallsLeaveFailuresAlone(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(NewMemoryBreakerStore(), newFakeClock())
	for i := 0; i < 4; i++ {
		_ = b.Call(ctx, fail)
	}
	_ = b.Call(ctx, func(context.Context) error { return context.Canceled })

	st, _ := b.Snapshot(ctx)
	assert.Equal(t, BreakerClosed, st.State)
	assert.Equal(t, 4, st.Failures)
}

func TestCircuitBreakerCountersArePerName(t *testing.T) {
	ctx := context.Background()
	reg := NewBreakerRegistry(NewMemoryBreakerStore(), DefaultBreakerConfig(), quietLogger())
	for i := 0; i < 5; i++ {
		_ = reg.Get("whatsapp").Call(ctx, fail)
	}
	require.ErrorIs(t, reg.Get("whatsapp").Call(ctx, succeed), ErrBreakerOpen)
	require.NoError(t, reg.Get("shopify").Call(ctx, succeed))

	snap := reg.Snapshot(ctx)
	assert.Equal(t, BreakerOpen, snap["whatsapp"].State)
	assert.Equal(t, BreakerClosed, snap["shopify"].State)
}

func TestCircuitBreakerConcurrentFailuresCountExactly(t *testing.T) {
	ctx := context.Background()
	cfg := BreakerConfig{FailureThreshold: 1000, SuccessThreshold: 3, Timeout: time.Minute}
	b := NewCircuitBreaker("ai:gemini", NewMemoryBreakerStore(), cfg, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Call(ctx, fail)
		}()
	}
	wg.Wait()
	st, _ := b.Snapshot(ctx)
	assert.Equal(t, 200, st.Failures)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context, string) (BreakerStatus, error) {
	return BreakerStatus{}, errors.New("store down")
}

func (brokenStore) Update(context.Context, string, func(*BreakerStatus) error) error {
	return errors.New("store down")
}

func TestCircuitBreakerFailsOpenWhenStoreDown(t *testing.T) {
	b := newTestBreaker(brokenStore{}, newFakeClock())
	invoked := false
	err := b.Call(context.Background(), func(context.Context) error { invoked = true; return nil })
	require.NoError(t, err)
	assert.True(t, invoked)
}

func TestRedisBreakerStoreSharesState(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	clock := newFakeClock()
	first := newTestBreaker(NewRedisBreakerStore(rdb, "test:breaker:"), clock)
	second := newTestBreaker(NewRedisBreakerStore(rdb, "test:breaker:"), clock)

	for i := 0; i < 5; i++ {
		_ = first.Call(ctx, fail)
	}
	require.ErrorIs(t, second.Call(ctx, succeed), ErrBreakerOpen)

	st, err := second.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, st.State)
	assert.Equal(t, 5, st.Failures)
	assert.Equal(t, clock.Now().UnixMilli(), st.LastFailure.UnixMilli())
}
