package domain

import "time"

// Pub/sub channels and streams used on the event bus.
const (
	// ChannelStateUpdates carries StateUpdateEvent JSON for live consumers
	// (WebSocket hub, dashboards).
	ChannelStateUpdates = "ch:probability"

	// StreamOutcomeRemoved is the durable stream of OutcomeRemovedEvent JSON
	// consumed by the stream-rule synchronizer.
	StreamOutcomeRemoved = "stream:outcome_removed"

	// StreamRawPosts is the durable stream of RawPostEvent JSON produced by
	// collectors and consumed by the ingest poller.
	StreamRawPosts = "stream:raw_posts"
)

// Notifier event types.
const (
	EventMarketCreated      = "market_created"
	EventOutcomeRemoved     = "outcome_removed"
	EventInvariantViolation = "invariant_violation"
	EventError              = "error"
)

// StateUpdateEvent is published after every committed probability mutation.
type StateUpdateEvent struct {
	MarketID      string             `json:"market_id"`
	Probabilities map[string]float64 `json:"probabilities"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// RawPostEvent is one unscored social-media post queued on StreamRawPosts,
// waiting to be scored and ingested as evidence.
type RawPostEvent struct {
	MarketID  string    `json:"market_id"`
	PostID    string    `json:"post_id"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// OutcomeRemovedEvent is appended to StreamOutcomeRemoved after a successful
// outcome removal so external filter rules referencing the outcome can be
// cleaned up. Delivery is best effort; a publish failure never rolls back the
// committed mutation.
type OutcomeRemovedEvent struct {
	EventID   string    `json:"event_id"`
	MarketID  string    `json:"market_id"`
	OutcomeID string    `json:"outcome_id"`
	RemovedAt time.Time `json:"removed_at"`
}
