// Package service wires the engine, stores and collaborators into the
// operations exposed over HTTP.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentimarket/probengine/internal/domain"
	"github.com/sentimarket/probengine/internal/engine"
	"github.com/sentimarket/probengine/internal/notify"
)

// MarketService handles market lifecycle: creation, reads and outcome
// removal.
type MarketService struct {
	markets  domain.MarketStore
	probs    domain.ProbabilityStore
	manager  *engine.Manager
	cache    domain.StateCache
	audit    domain.AuditStore
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewMarketService creates a MarketService. cache, audit and notifier may be
// nil; those concerns degrade to no-ops.
func NewMarketService(
	markets domain.MarketStore,
	probs domain.ProbabilityStore,
	manager *engine.Manager,
	cache domain.StateCache,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets:  markets,
		probs:    probs,
		manager:  manager,
		cache:    cache,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "market_service")),
	}
}

// CreateMarket persists a new market and initializes its distribution to
// uniform over the given outcomes. An empty id is replaced with a generated
// UUID.
func (s *MarketService) CreateMarket(ctx context.Context, id, question string, outcomes []domain.Outcome) (domain.Market, domain.ProbabilityState, error) {
	if len(outcomes) == 0 {
		return domain.Market{}, domain.ProbabilityState{}, fmt.Errorf("market_service: create without outcomes: %w", domain.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		if o.ID == "" {
			return domain.Market{}, domain.ProbabilityState{}, fmt.Errorf("market_service: outcome with empty id: %w", domain.ErrInvalidArgument)
		}
		if seen[o.ID] {
			return domain.Market{}, domain.ProbabilityState{}, fmt.Errorf("market_service: duplicate outcome id %s: %w", o.ID, domain.ErrInvalidArgument)
		}
		seen[o.ID] = true
	}
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	market := domain.Market{
		ID:        id,
		Question:  question,
		Outcomes:  outcomes,
		Status:    domain.MarketStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.markets.Create(ctx, market); err != nil {
		return domain.Market{}, domain.ProbabilityState{}, fmt.Errorf("market_service: create market: %w", err)
	}

	state, err := s.manager.Initialize(ctx, market.ID, market.OutcomeIDs())
	if err != nil {
		return domain.Market{}, domain.ProbabilityState{}, fmt.Errorf("market_service: initialize distribution: %w", err)
	}

	s.cacheState(ctx, state)
	s.auditLog(ctx, domain.EventMarketCreated, map[string]any{
		"market_id": market.ID,
		"outcomes":  len(outcomes),
	})
	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, domain.EventMarketCreated,
			"Market created",
			fmt.Sprintf("%s (%d outcomes)\n%s", market.ID, len(outcomes), market.Question))
	}

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", market.ID),
		slog.Int("outcomes", len(outcomes)),
	)
	return market, state, nil
}

// GetMarket retrieves a market together with its current distribution.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, domain.ProbabilityState, error) {
	market, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, domain.ProbabilityState{}, fmt.Errorf("market_service: get market %q: %w", id, err)
	}

	state, err := s.CurrentState(ctx, id)
	if err != nil {
		return domain.Market{}, domain.ProbabilityState{}, err
	}
	return market, state, nil
}

// CurrentState returns the committed distribution for a market, checking the
// cache first and falling back to the store on a miss.
func (s *MarketService) CurrentState(ctx context.Context, marketID string) (domain.ProbabilityState, error) {
	if s.cache != nil {
		if state, err := s.cache.Get(ctx, marketID); err == nil {
			return state, nil
		}
	}

	state, err := s.probs.GetCurrent(ctx, marketID)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("market_service: current state for %q: %w", marketID, err)
	}

	s.cacheState(ctx, state)
	return state, nil
}

// RemoveOutcome removes an outcome from a live market: the engine
// redistributes its probability mass, then the market row's outcome set is
// trimmed to match. The removal event fans out post-commit.
func (s *MarketService) RemoveOutcome(ctx context.Context, marketID, outcomeID string) (domain.ProbabilityState, error) {
	market, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("market_service: get market %q: %w", marketID, err)
	}
	if !market.HasOutcome(outcomeID) {
		return domain.ProbabilityState{}, fmt.Errorf("market_service: outcome %q in market %q: %w",
			outcomeID, marketID, domain.ErrNotFound)
	}

	state, err := s.manager.RemoveOutcome(ctx, marketID, outcomeID)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("market_service: remove outcome: %w", err)
	}

	survivors := make([]domain.Outcome, 0, len(market.Outcomes)-1)
	for _, o := range market.Outcomes {
		if o.ID != outcomeID {
			survivors = append(survivors, o)
		}
	}
	if err := s.markets.UpdateOutcomes(ctx, marketID, survivors); err != nil {
		// The distribution is already committed without the outcome; the
		// market row is now stale until the next successful update.
		s.logger.ErrorContext(ctx, "outcome set update failed after removal",
			slog.String("market_id", marketID),
			slog.String("outcome_id", outcomeID),
			slog.String("error", err.Error()),
		)
		return domain.ProbabilityState{}, fmt.Errorf("market_service: update outcome set: %w", err)
	}

	s.cacheState(ctx, state)
	s.auditLog(ctx, domain.EventOutcomeRemoved, map[string]any{
		"market_id":  marketID,
		"outcome_id": outcomeID,
	})
	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, domain.EventOutcomeRemoved,
			"Outcome removed",
			fmt.Sprintf("market %s outcome %s", marketID, outcomeID))
	}

	s.logger.InfoContext(ctx, "outcome removed",
		slog.String("market_id", marketID),
		slog.String("outcome_id", outcomeID),
	)
	return state, nil
}

// ListActive returns active markets from the persistent store.
func (s *MarketService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.ListActive(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list active: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets.
func (s *MarketService) Count(ctx context.Context) (int64, error) {
	count, err := s.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: count: %w", err)
	}
	return count, nil
}

// cacheState back-fills the state cache. Log-only on failure; the cache
// expires on its own.
func (s *MarketService) cacheState(ctx context.Context, state domain.ProbabilityState) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, state); err != nil {
		s.logger.WarnContext(ctx, "state cache set failed",
			slog.String("market_id", state.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
