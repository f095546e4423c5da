package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentimarket/probengine/internal/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManagerMutualExclusion(t *testing.T) {
	c := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "market:m1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "market:m1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// A different key is independent.
	unlock2, err := lm.Acquire(ctx, "market:m2", time.Minute)
	require.NoError(t, err)
	unlock2()

	unlock()
	unlock() // safe to call twice

	unlock3, err := lm.Acquire(ctx, "market:m1", time.Minute)
	require.NoError(t, err)
	unlock3()
}

func TestStateCacheRoundTrip(t *testing.T) {
	c := newTestClient(t)
	sc := NewStateCache(c)
	ctx := context.Background()

	state := domain.ProbabilityState{
		MarketID:      "m1",
		Probabilities: map[string]float64{"yes": 0.7, "no": 0.3},
		UpdatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, sc.Set(ctx, state))

	got, err := sc.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, state.MarketID, got.MarketID)
	assert.InDelta(t, 0.7, got.Probabilities["yes"], 1e-12)
	assert.InDelta(t, 0.3, got.Probabilities["no"], 1e-12)

	require.NoError(t, sc.Invalidate(ctx, "m1"))
	_, err = sc.Get(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStateCacheMiss(t *testing.T) {
	c := newTestClient(t)
	sc := NewStateCache(c)

	_, err := sc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventBusStream(t *testing.T) {
	c := newTestClient(t)
	bus := NewEventBus(c)
	ctx := context.Background()

	require.NoError(t, bus.StreamAppend(ctx, "stream:test", []byte(`{"n":1}`)))
	require.NoError(t, bus.StreamAppend(ctx, "stream:test", []byte(`{"n":2}`)))

	msgs, err := bus.StreamRead(ctx, "stream:test", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, `{"n":1}`, string(msgs[0].Payload))
	assert.Equal(t, `{"n":2}`, string(msgs[1].Payload))

	// Resume from the last seen ID.
	msgs2, err := bus.StreamRead(ctx, "stream:test", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs2, 1)
	assert.Equal(t, `{"n":2}`, string(msgs2[0].Payload))

	// Nothing new after the tail.
	msgs3, err := bus.StreamRead(ctx, "stream:test", msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs3)
}

func TestEventBusPubSub(t *testing.T) {
	c := newTestClient(t)
	bus := NewEventBus(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := bus.Subscribe(ctx, "ch:test")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "ch:test", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-ctx.Done():
		t.Fatal("timed out waiting for published message")
	}
}

func TestRateLimiterWindow(t *testing.T) {
	c := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := rl.Allow(ctx, "client-a", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}

	allowed, err := rl.Allow(ctx, "client-a", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	// A separate key has its own window.
	allowed, err = rl.Allow(ctx, "client-b", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}
