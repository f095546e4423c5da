package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sentimarket/probengine/internal/correction"
	"github.com/sentimarket/probengine/internal/domain"
	"github.com/sentimarket/probengine/internal/engine"
)

// MetaSource supplies learned per-market parameters. Implemented by the ML
// sidecar client.
type MetaSource interface {
	Meta(ctx context.Context, marketID string) (correction.MetaParams, error)
}

// Corrector supplies a learned correction of a committed distribution.
// Implemented by the ML sidecar client.
type Corrector interface {
	Correct(ctx context.Context, marketID string, probs map[string]float64) (map[string]float64, error)
}

// EvidenceService turns scored evidence batches into committed probability
// updates: validate, journal, aggregate, normalize and commit, then
// best-effort correct. Everything before the commit is pure computation; only
// the commit itself runs under the market lock.
type EvidenceService struct {
	markets  domain.MarketStore
	evidence domain.EvidenceStore
	manager  *engine.Manager
	cache    domain.StateCache
	meta     MetaSource
	corr     Corrector
	logger   *slog.Logger

	defaultTemperature float64
}

// NewEvidenceService creates an EvidenceService. meta, corr and cache may be
// nil: temperature then falls back to the configured default and corrections
// are skipped.
func NewEvidenceService(
	markets domain.MarketStore,
	evidence domain.EvidenceStore,
	manager *engine.Manager,
	cache domain.StateCache,
	meta MetaSource,
	corr Corrector,
	defaultTemperature float64,
	logger *slog.Logger,
) *EvidenceService {
	if defaultTemperature <= 0 {
		defaultTemperature = 1
	}
	return &EvidenceService{
		markets:            markets,
		evidence:           evidence,
		manager:            manager,
		cache:              cache,
		meta:               meta,
		corr:               corr,
		defaultTemperature: defaultTemperature,
		logger:             logger.With(slog.String("component", "evidence_service")),
	}
}

// IngestBatch validates and applies one evidence batch to a market. The batch
// is all-or-nothing: a single malformed payload rejects the whole batch with
// no state change and no journal entry.
func (s *EvidenceService) IngestBatch(ctx context.Context, marketID string, batch domain.EvidenceBatch) (domain.ProbabilityState, error) {
	market, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("evidence_service: get market %q: %w", marketID, err)
	}

	scores, err := engine.ValidateBatch(batch)
	if err != nil {
		return domain.ProbabilityState{}, err
	}

	if err := s.evidence.AppendBatch(ctx, marketID, batch.Results); err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("evidence_service: journal batch: %w", err)
	}

	mass := engine.Aggregate(market.OutcomeIDs(), scores)
	temperature := s.temperature(ctx, marketID)

	state, err := s.manager.ApplyEvidence(ctx, marketID, mass, temperature)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("evidence_service: apply evidence: %w", err)
	}

	state = s.applyCorrection(ctx, state)
	s.cacheState(ctx, state)

	s.logger.InfoContext(ctx, "evidence batch applied",
		slog.String("market_id", marketID),
		slog.Int("payloads", len(batch.Results)),
		slog.Int("scores", len(scores)),
		slog.Float64("temperature", temperature),
	)
	return state, nil
}

// temperature returns the sidecar's learned temperature for the market, or
// the configured default when the sidecar is absent or failing.
func (s *EvidenceService) temperature(ctx context.Context, marketID string) float64 {
	if s.meta == nil {
		return s.defaultTemperature
	}
	params, err := s.meta.Meta(ctx, marketID)
	if err != nil {
		s.logger.WarnContext(ctx, "meta params unavailable, using default temperature",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return s.defaultTemperature
	}
	return params.Temperature
}

// applyCorrection runs the committed distribution through the ML corrector.
// Best effort on every path: a failing corrector or a correction that breaks
// invariants leaves the uncorrected state in place.
func (s *EvidenceService) applyCorrection(ctx context.Context, state domain.ProbabilityState) domain.ProbabilityState {
	if s.corr == nil {
		return state
	}

	corrected, err := s.corr.Correct(ctx, state.MarketID, state.Probabilities)
	if err != nil {
		s.logger.WarnContext(ctx, "correction unavailable, keeping uncorrected state",
			slog.String("market_id", state.MarketID),
			slog.String("error", err.Error()),
		)
		return state
	}

	committed, err := s.manager.ApplyCorrection(ctx, state.MarketID, corrected)
	if err != nil {
		s.logger.WarnContext(ctx, "correction rejected, keeping uncorrected state",
			slog.String("market_id", state.MarketID),
			slog.String("error", err.Error()),
		)
		return state
	}
	return committed
}

func (s *EvidenceService) cacheState(ctx context.Context, state domain.ProbabilityState) {
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
