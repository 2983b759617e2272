package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPublish = errors.New("publish failed")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
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

func testBreaker() (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	cb := New(Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 2,
	}).WithClock(clock.Now)
	return cb, clock
}

func fail() error    { return errPublish }
func succeed() error { return nil }

func TestCircuitBreaker_PassesThroughWhileClosed(t *testing.T) {
	cb, _ := testBreaker()
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))

	err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errPublish)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 1, cb.GetStats().FailureCount)

	// A success resets the consecutive failure count.
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, 0, cb.GetStats().FailureCount)
}

func TestCircuitBreaker_OpensAndFailsFast(t *testing.T) {
	cb, _ := testBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenCloses(t *testing.T) {
	cb, clock := testBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := testBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errPublish)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	cb, clock := testBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	// Hold both probe slots open while a third call arrives.
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(ctx, func() error {
				entered <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-entered
	<-entered

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb, _ := testBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func() error { return ctx.Err() })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_Do(t *testing.T) {
	cb, _ := testBreaker()
	ctx := context.Background()

	n, err := Do(ctx, cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = Do(ctx, cb, func() (int, error) { return 0, errPublish })
	assert.ErrorIs(t, err, errPublish)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := testBreaker()
	ctx := context.Background()

	changes := make(chan [2]State, 4)
	cb.OnStateChange(func(from, to State) {
		changes <- [2]State{from, to}
	})

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = cb.Execute(ctx, succeed)

	var got [][2]State
	for i := 0; i < 2; i++ {
		select {
		case c := <-changes:
			got = append(got, c)
		case <-time.After(time.Second):
			t.Fatal("missing state change callback")
		}
	}
	assert.ElementsMatch(t, [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
	}, got)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := testBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(ctx, succeed))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
