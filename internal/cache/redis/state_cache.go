package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentimarket/probengine/internal/domain"
)

const stateTTL = 5 * time.Minute

// StateCache implements domain.StateCache using JSON-serialized probability
// states. The store remains the source of truth: a cache miss or failure is
// answered from PostgreSQL.
//
// Key schema:
//
//	probstate:{marketID} - JSON-encoded domain.ProbabilityState
type StateCache struct {
	rdb *redis.Client
}

// NewStateCache creates a StateCache backed by the given Client.
func NewStateCache(c *Client) *StateCache {
	return &StateCache{rdb: c.Underlying()}
}

func stateKey(marketID string) string { return "probstate:" + marketID }

// Set stores the committed distribution for a market with a 5-minute TTL.
func (sc *StateCache) Set(ctx context.Context, state domain.ProbabilityState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal state for market %s: %w", state.MarketID, err)
	}

	if err := sc.rdb.Set(ctx, stateKey(state.MarketID), data, stateTTL).Err(); err != nil {
		return fmt.Errorf("redis: set state for market %s: %w", state.MarketID, err)
	}
	return nil
}

// Get retrieves the cached distribution for a market. It returns
// domain.ErrNotFound on a cache miss.
func (sc *StateCache) Get(ctx context.Context, marketID string) (domain.ProbabilityState, error) {
	data, err := sc.rdb.Get(ctx, stateKey(marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ProbabilityState{}, domain.ErrNotFound
		}
		return domain.ProbabilityState{}, fmt.Errorf("redis: get state for market %s: %w", marketID, err)
	}

	var state domain.ProbabilityState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("redis: unmarshal state for market %s: %w", marketID, err)
	}
	return state, nil
}

// Invalidate removes a market's cached distribution.
func (sc *StateCache) Invalidate(ctx context.Context, marketID string) error {
	if err := sc.rdb.Del(ctx, stateKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate state for market %s: %w", marketID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.StateCache = (*StateCache)(nil)
