package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentimarket/probengine/internal/domain"
)

func yesNo() []domain.Outcome {
	return []domain.Outcome{{ID: "yes", Label: "Yes"}, {ID: "no", Label: "No"}}
}

func newMarketService() (*MarketService, *memMarketStore, *memProbStore, *memStateCache) {
	markets := newMemMarketStore()
	probs := newMemProbStore()
	cache := newMemStateCache()
	svc := NewMarketService(markets, probs, newTestManager(probs), cache, nil, nil, testLogger())
	return svc, markets, probs, cache
}

func TestCreateMarketInitializesUniform(t *testing.T) {
	svc, _, probs, cache := newMarketService()

	market, state, err := svc.CreateMarket(context.Background(), "m1", "Will it rain?", yesNo())
	require.NoError(t, err)
	assert.Equal(t, "m1", market.ID)
	assert.Equal(t, domain.MarketStatusActive, market.Status)

	assert.InDelta(t, 0.5, state.Probabilities["yes"], 1e-12)
	assert.InDelta(t, 0.5, state.Probabilities["no"], 1e-12)

	// Initial snapshot exists and the cache was warmed.
	snaps, err := probs.ListSnapshots(context.Background(), "m1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	cached, err := cache.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cached.Probabilities["yes"], 1e-12)
}

func TestCreateMarketGeneratesID(t *testing.T) {
	svc, _, _, _ := newMarketService()

	market, _, err := svc.CreateMarket(context.Background(), "", "q", yesNo())
	require.NoError(t, err)
	assert.NotEmpty(t, market.ID)
}

func TestCreateMarketRejectsBadOutcomes(t *testing.T) {
	svc, _, _, _ := newMarketService()
	ctx := context.Background()

	_, _, err := svc.CreateMarket(ctx, "m1", "q", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = svc.CreateMarket(ctx, "m1", "q", []domain.Outcome{{ID: "a"}, {ID: "a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = svc.CreateMarket(ctx, "m1", "q", []domain.Outcome{{Label: "no id"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCreateMarketRejectsDuplicate(t *testing.T) {
	svc, _, _, _ := newMarketService()
	ctx := context.Background()

	_, _, err := svc.CreateMarket(ctx, "m1", "q", yesNo())
	require.NoError(t, err)

	_, _, err = svc.CreateMarket(ctx, "m1", "q", yesNo())
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestRemoveOutcomeTrimsMarketRow(t *testing.T) {
	svc, markets, _, _ := newMarketService()
	ctx := context.Background()

	_, _, err := svc.CreateMarket(ctx, "m1", "q", []domain.Outcome{
		{ID: "a", Label: "A"}, {ID: "b", Label: "B"}, {ID: "c", Label: "C"},
	})
	require.NoError(t, err)

	state, err := svc.RemoveOutcome(ctx, "m1", "b")
	require.NoError(t, err)
	assert.NotContains(t, state.Probabilities, "b")
	assert.Len(t, state.Probabilities, 2)

	m, err := markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, m.HasOutcome("b"))
	assert.Len(t, m.Outcomes, 2)
}

func TestRemoveOutcomeUnknownMarketOrOutcome(t *testing.T) {
	svc, _, _, _ := newMarketService()
	ctx := context.Background()

	_, err := svc.RemoveOutcome(ctx, "missing", "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = svc.CreateMarket(ctx, "m1", "q", yesNo())
	require.NoError(t, err)

	_, err = svc.RemoveOutcome(ctx, "m1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemoveOutcomeLastOutcomeRejected(t *testing.T) {
	svc, markets, _, _ := newMarketService()
	ctx := context.Background()

	_, _, err := svc.CreateMarket(ctx, "m1", "q", []domain.Outcome{{ID: "only", Label: "Only"}})
	require.NoError(t, err)

	_, err = svc.RemoveOutcome(ctx, "m1", "only")
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	// The market row still carries the outcome.
	m, err := markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.HasOutcome("only"))
}

func TestCurrentStateCacheAside(t *testing.T) {
	svc, _, probs, cache := newMarketService()
	ctx := context.Background()

	_, _, err := svc.CreateMarket(ctx, "m1", "q", yesNo())
	require.NoError(t, err)

	// Drop the cache; the read must fall through to the store and re-warm it.
	require.NoError(t, cache.Invalidate(ctx, "m1"))

	state, err := svc.CurrentState(ctx, "m1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, state.Probabilities["yes"], 1e-12)

	_, err = cache.Get(ctx, "m1")
	assert.NoError(t, err)

	// Stale store with a fresh cache still serves the cached copy.
	probs.mu.Lock()
	delete(probs.current, "m1")
	probs.mu.Unlock()

	state, err = svc.CurrentState(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, state.Probabilities, 2)
}
