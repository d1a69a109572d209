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

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(threshold, open)
	b.now = clock.now
	return b, clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	assert.True(t, b.Allow("explain"))

	b.RecordFailure("explain")
	b.RecordFailure("explain")
	assert.True(t, b.Allow("explain"), "below threshold")

	b.RecordFailure("explain")
	assert.False(t, b.Allow("explain"))
	assert.Equal(t, StateOpen, b.State("explain"))
	assert.Equal(t, StateClosed, b.State("other"), "keys are independent")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	b.RecordFailure("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)
	b.RecordFailure("k")
	require.False(t, b.Allow("k"))

	clock.advance(30 * time.Second)
	assert.True(t, b.Allow("k"), "first call after the open period probes")
	assert.Equal(t, StateHalfOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "only one probe at a time")

	b.RecordSuccess("k")
	assert.Equal(t, StateClosed, b.State("k"))
	assert.True(t, b.Allow("k"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(2, 10*time.Second)
	b.RecordFailure("k")
	b.RecordFailure("k")
	clock.advance(10 * time.Second)
	require.True(t, b.Allow("k"))

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	clock.advance(5 * time.Second)
	assert.False(t, b.Allow("k"), "open period restarts from the failed probe")
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.openDuration)
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	got := make(chan [2]State, 4)
	b.OnTransition(func(key string, from, to State) {
		assert.Equal(t, "k", key)
		got <- [2]State{from, to}
	})

	b.RecordFailure("k")
	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestBreaker_Do(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	boom := errors.New("upstream 502")
	ctx := context.Background()

	require.NoError(t, b.Do(ctx, "k", func(context.Context) error { return nil }))
	assert.ErrorIs(t, b.Do(ctx, "k", func(context.Context) error { return boom }), boom)
	assert.ErrorIs(t, b.Do(ctx, "k", func(context.Context) error { return boom }), boom)

	called := false
	err := b.Do(ctx, "k", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	clock.advance(time.Minute)
	require.NoError(t, b.Do(ctx, "k", func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_DoIgnoresCallerCancellation(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, "k", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_Checker(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	check := b.Checker("breakers")
	assert.True(t, check(context.Background()).Healthy)

	b.RecordFailure("explain")
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "breakers", st.Name)
	assert.Contains(t, st.Detail, "explain=open")
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Allow("k")
				b.RecordFailure("k")
				b.RecordSuccess("k")
				_ = b.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("k"))
}
