// Package rules keeps external stream filter rules in sync with market
// outcome sets. When an outcome is removed, any filter rule that was tracking
// posts for it should be deleted so the ingest feed stops paying for it.
package rules

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sentimarket/probengine/internal/domain"
)

// Deleter removes the external filter rules associated with an outcome.
type Deleter interface {
	DeleteRules(ctx context.Context, marketID, outcomeID string) error
}

const (
	defaultPollInterval = 5 * time.Second
	readBatchSize       = 100
)

// Syncer tails the durable outcome-removed stream and best-effort deletes the
// matching filter rules. Rule deletion failures are logged and skipped; the
// stream cursor always advances so one broken rule never wedges the tail.
type Syncer struct {
	bus      domain.EventBus
	deleter  Deleter
	logger   *slog.Logger
	interval time.Duration

	lastID string
}

// NewSyncer creates a Syncer that reads the stream from the beginning.
func NewSyncer(bus domain.EventBus, deleter Deleter, logger *slog.Logger) *Syncer {
	return &Syncer{
		bus:      bus,
		deleter:  deleter,
		logger:   logger.With(slog.String("component", "rule_syncer")),
		interval: defaultPollInterval,
		lastID:   "0",
	}
}

// SetInterval overrides the default poll interval. Non-positive values are
// ignored.
func (s *Syncer) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Run polls the stream until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Drain(ctx); err != nil {
				s.logger.WarnContext(ctx, "stream read failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Drain reads and processes every pending stream entry. Exposed separately so
// tests and manual tooling can run a single pass.
func (s *Syncer) Drain(ctx context.Context) error {
	for {
		msgs, err := s.bus.StreamRead(ctx, domain.StreamOutcomeRemoved, s.lastID, readBatchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		for _, msg := range msgs {
			s.handle(ctx, msg)
			s.lastID = msg.ID
		}
	}
}

func (s *Syncer) handle(ctx context.Context, msg domain.StreamMessage) {
	var evt domain.OutcomeRemovedEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		s.logger.WarnContext(ctx, "malformed outcome removed event",
			slog.String("stream_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.deleter.DeleteRules(ctx, evt.MarketID, evt.OutcomeID); err != nil {
		s.logger.WarnContext(ctx, "rule deletion failed",
			slog.String("market_id", evt.MarketID),
			slog.String("outcome_id", evt.OutcomeID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.InfoContext(ctx, "stream rules deleted",
		slog.String("market_id", evt.MarketID),
		slog.String("outcome_id", evt.OutcomeID),
	)
}
