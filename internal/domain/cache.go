package domain

import (
	"context"
	"time"
)

// StateCache provides fast reads of the current distribution per market. It
// is advisory: the ProbabilityStore remains the source of truth and cache
// failures are never fatal.
type StateCache interface {
	Set(ctx context.Context, state ProbabilityState) error
	Get(ctx context.Context, marketID string) (ProbabilityState, error)
	Invalidate(ctx context.Context, marketID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides mutual exclusion keyed by market identifier. All
// probability mutations for a market run under its lock; different markets
// proceed in parallel.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides ephemeral pub/sub and durable, ordered streams for
// post-commit event fan-out.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
