package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentimarket/probengine/internal/domain"
)

// defaultLockTTL bounds how long a market lock can be held if the holder
// dies. The guarded section is in-memory compute plus one store round trip,
// so this is generous.
const defaultLockTTL = 5 * time.Second

// Manager owns the authoritative ProbabilityState per market. Every mutation
// for a market runs under that market's lock, commits state and snapshot
// atomically through the ProbabilityStore, and only then fans out events.
// A failed mutation leaves the previously committed state exactly as it was.
type Manager struct {
	store   domain.ProbabilityStore
	locks   domain.LockManager
	bus     domain.EventBus
	logger  *slog.Logger
	lockTTL time.Duration
}

// NewManager creates a Manager. bus may be nil, in which case no events are
// published (useful for offline tooling).
func NewManager(store domain.ProbabilityStore, locks domain.LockManager, bus domain.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		locks:   locks,
		bus:     bus,
		logger:  logger.With(slog.String("component", "prob_manager")),
		lockTTL: defaultLockTTL,
	}
}

// SetLockTTL overrides the default per-mutation lock TTL. Non-positive
// values are ignored.
func (m *Manager) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		m.lockTTL = ttl
	}
}

func lockKey(marketID string) string {
	return "market:" + marketID
}

// Initialize creates the first ProbabilityState for a market: a uniform
// distribution over its initial outcomes, committed together with the initial
// snapshot.
func (m *Manager) Initialize(ctx context.Context, marketID string, outcomeIDs []string) (domain.ProbabilityState, error) {
	if len(outcomeIDs) == 0 {
		return domain.ProbabilityState{}, fmt.Errorf("engine: initialize market %s with no outcomes: %w",
			marketID, domain.ErrInvalidArgument)
	}

	probs := make(map[string]float64, len(outcomeIDs))
	for _, id := range outcomeIDs {
		probs[id] = 1 / float64(len(outcomeIDs))
	}
	state := domain.ProbabilityState{
		MarketID:      marketID,
		Probabilities: probs,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := state.Validate(outcomeIDs); err != nil {
		return domain.ProbabilityState{}, &domain.InvariantViolationError{MarketID: marketID, Detail: err.Error()}
	}

	committed, err := m.commitLocked(ctx, state)
	if err != nil {
		return domain.ProbabilityState{}, err
	}
	m.publishStateUpdate(ctx, committed)
	return committed, nil
}

// ApplyEvidence replaces the market's distribution with one derived from
// freshly aggregated evidence mass: softmax at the given temperature, floor
// enforcement, renormalization, invariant check, then an atomic commit with
// snapshot append. The prior state is untouched on any failure.
//
// The committed key set comes from the current committed state, never from
// the caller. Evidence is aggregated over a market row read outside this
// lock, so its mass can name an outcome a concurrent removal already retired;
// such entries are dropped here rather than resurrected.
func (m *Manager) ApplyEvidence(ctx context.Context, marketID string, aggregatedMass map[string]float64, temperature float64) (domain.ProbabilityState, error) {
	if len(aggregatedMass) == 0 {
		return domain.ProbabilityState{}, fmt.Errorf("engine: market %s has no outcomes to normalize: %w",
			marketID, domain.ErrInvalidArgument)
	}
	if temperature <= 0 {
		return domain.ProbabilityState{}, fmt.Errorf("engine: temperature must be > 0, got %g: %w",
			temperature, domain.ErrInvalidParameter)
	}

	unlock, err := m.locks.Acquire(ctx, lockKey(marketID), m.lockTTL)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: lock market %s: %w", marketID, err)
	}
	defer unlock()

	current, err := m.store.GetCurrent(ctx, marketID)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: read current state for market %s: %w", marketID, err)
	}

	mass, dropped := restrictToLive(aggregatedMass, current.Probabilities)
	if len(dropped) == len(aggregatedMass) {
		return domain.ProbabilityState{}, &domain.InvariantViolationError{
			MarketID: marketID,
			Detail:   "evidence mass shares no outcomes with the committed live set",
		}
	}
	if len(dropped) > 0 {
		m.logger.WarnContext(ctx, "evidence mass referenced retired outcomes",
			slog.String("market_id", marketID),
			slog.Any("outcome_ids", dropped),
		)
	}

	normalized, err := Normalize(mass, temperature)
	if err != nil {
		return domain.ProbabilityState{}, err
	}

	state := domain.ProbabilityState{
		MarketID:      marketID,
		Probabilities: floorAndRenormalize(normalized),
		UpdatedAt:     time.Now().UTC(),
	}
	liveOutcomes := stateOutcomes(current)
	if err := state.Validate(liveOutcomes); err != nil {
		m.logger.ErrorContext(ctx, "computed distribution failed invariants",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return domain.ProbabilityState{}, &domain.InvariantViolationError{MarketID: marketID, Detail: err.Error()}
	}

	if _, err := m.store.Commit(ctx, state); err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: commit market %s: %w", marketID, err)
	}
	m.publishStateUpdate(ctx, state)
	return state, nil
}

// ApplyCorrection replaces the market's distribution with an externally
// corrected one, floor-adjusted, renormalized and invariant-checked before
// commit. The corrected key set must equal the committed one exactly; a
// corrector working from a stale outcome set is rejected. Callers treat
// failures as non-fatal and keep the uncorrected committed state.
func (m *Manager) ApplyCorrection(ctx context.Context, marketID string, corrected map[string]float64) (domain.ProbabilityState, error) {
	if len(corrected) == 0 {
		return domain.ProbabilityState{}, fmt.Errorf("engine: empty corrected distribution for market %s: %w",
			marketID, domain.ErrInvalidArgument)
	}

	unlock, err := m.locks.Acquire(ctx, lockKey(marketID), m.lockTTL)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: lock market %s: %w", marketID, err)
	}
	defer unlock()

	current, err := m.store.GetCurrent(ctx, marketID)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: read current state for market %s: %w", marketID, err)
	}
	if !sameOutcomeSet(corrected, current.Probabilities) {
		return domain.ProbabilityState{}, &domain.InvariantViolationError{
			MarketID: marketID,
			Detail:   "corrected distribution does not match the committed outcome set",
		}
	}

	state := domain.ProbabilityState{
		MarketID:      marketID,
		Probabilities: floorAndRenormalize(corrected),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := state.Validate(stateOutcomes(current)); err != nil {
		return domain.ProbabilityState{}, &domain.InvariantViolationError{MarketID: marketID, Detail: err.Error()}
	}

	if _, err := m.store.Commit(ctx, state); err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: commit market %s: %w", marketID, err)
	}
	m.publishStateUpdate(ctx, state)
	return state, nil
}

// RemoveOutcome removes one outcome from the market's live distribution and
// redistributes its probability mass proportionally across the survivors,
// floor-adjusted and renormalized. The operation is purely a function of the
// prior committed state and the removed identifier; it never re-runs
// evidence aggregation.
func (m *Manager) RemoveOutcome(ctx context.Context, marketID, outcomeID string) (domain.ProbabilityState, error) {
	unlock, err := m.locks.Acquire(ctx, lockKey(marketID), m.lockTTL)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: lock market %s: %w", marketID, err)
	}
	defer unlock()

	current, err := m.store.GetCurrent(ctx, marketID)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: read current state for market %s: %w", marketID, err)
	}

	removed, ok := current.Probabilities[outcomeID]
	if !ok {
		return domain.ProbabilityState{}, fmt.Errorf("engine: outcome %s in market %s: %w",
			outcomeID, marketID, domain.ErrNotFound)
	}
	if len(current.Probabilities) == 1 {
		return domain.ProbabilityState{}, fmt.Errorf("engine: cannot remove last outcome of market %s: %w",
			marketID, domain.ErrInvalidOperation)
	}

	// Rescale survivors so the removed mass is shared proportionally.
	scale := 1.0
	if removed < 1 {
		scale = 1 / (1 - removed)
	}

	candidates := make(map[string]float64, len(current.Probabilities)-1)
	liveOutcomes := make([]string, 0, len(current.Probabilities)-1)
	for id, p := range current.Probabilities {
		if id == outcomeID {
			continue
		}
		c := p * scale
		if c < domain.FloorProbability {
			c = domain.FloorProbability
		}
		candidates[id] = c
		liveOutcomes = append(liveOutcomes, id)
	}

	state := domain.ProbabilityState{
		MarketID:      marketID,
		Probabilities: floorAndRenormalize(candidates),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := state.Validate(liveOutcomes); err != nil {
		m.logger.ErrorContext(ctx, "post-removal distribution failed invariants",
			slog.String("market_id", marketID),
			slog.String("outcome_id", outcomeID),
			slog.String("error", err.Error()),
		)
		return domain.ProbabilityState{}, &domain.InvariantViolationError{MarketID: marketID, Detail: err.Error()}
	}

	if _, err := m.store.Commit(ctx, state); err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: commit market %s: %w", marketID, err)
	}

	// Post-commit fan-out. Failures are logged, never propagated: the
	// mutation is already durable.
	m.publishStateUpdate(ctx, state)
	m.emitOutcomeRemoved(ctx, marketID, outcomeID)

	return state, nil
}

// SnapshotHistory returns the market's snapshot sequence in commit order.
func (m *Manager) SnapshotHistory(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.ProbabilitySnapshot, error) {
	snaps, err := m.store.ListSnapshots(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("engine: list snapshots for market %s: %w", marketID, err)
	}
	return snaps, nil
}

// commitLocked serializes the commit under the market's lock.
func (m *Manager) commitLocked(ctx context.Context, state domain.ProbabilityState) (domain.ProbabilityState, error) {
	unlock, err := m.locks.Acquire(ctx, lockKey(state.MarketID), m.lockTTL)
	if err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: lock market %s: %w", state.MarketID, err)
	}
	defer unlock()

	if _, err := m.store.Commit(ctx, state); err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("engine: commit market %s: %w", state.MarketID, err)
	}
	return state, nil
}

// publishStateUpdate broadcasts the committed distribution. Best effort.
func (m *Manager) publishStateUpdate(ctx context.Context, state domain.ProbabilityState) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.StateUpdateEvent{
		MarketID:      state.MarketID,
		Probabilities: state.Probabilities,
		UpdatedAt:     state.UpdatedAt,
	})
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, domain.ChannelStateUpdates, payload); err != nil {
		m.logger.WarnContext(ctx, "state update publish failed",
			slog.String("market_id", state.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

// emitOutcomeRemoved appends a durable removal event for the stream-rule
// synchronizer. Best effort.
func (m *Manager) emitOutcomeRemoved(ctx context.Context, marketID, outcomeID string) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.OutcomeRemovedEvent{
		EventID:   uuid.New().String(),
		MarketID:  marketID,
		OutcomeID: outcomeID,
		RemovedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := m.bus.StreamAppend(ctx, domain.StreamOutcomeRemoved, payload); err != nil {
		m.logger.WarnContext(ctx, "outcome removed event append failed",
			slog.String("market_id", marketID),
			slog.String("outcome_id", outcomeID),
			slog.String("error", err.Error()),
		)
	}
}

// restrictToLive projects mass onto the committed live outcome set: entries
// for retired outcomes are dropped and live outcomes the mass is missing are
// zero-filled, so the projected key set always equals the live set. Returns
// the projection and the dropped outcome ids.
func restrictToLive(mass, live map[string]float64) (map[string]float64, []string) {
	out := make(map[string]float64, len(live))
	for id := range live {
		out[id] = mass[id]
	}
	var dropped []string
	for id := range mass {
		if _, ok := live[id]; !ok {
			dropped = append(dropped, id)
		}
	}
	return out, dropped
}

// sameOutcomeSet reports whether two distributions cover exactly the same
// outcome ids.
func sameOutcomeSet(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func stateOutcomes(state domain.ProbabilityState) []string {
	out := make([]string, 0, len(state.Probabilities))
	for id := range state.Probabilities {
		out = append(out, id)
	}
	return out
}

// floorAndRenormalize raises entries below FloorProbability to the floor and
// renormalizes the remainder so the values sum to exactly 1. Entries at the
// floor are pinned and the residual mass is spread proportionally over the
// rest; the loop repeats because rescaling can push further entries under
// the floor. Terminates in at most len(probs) passes since the pinned set
// only grows.
func floorAndRenormalize(probs map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(probs))
	for k, v := range probs {
		out[k] = v
	}

	for range out {
		pinned := make(map[string]bool, len(out))
		var pinnedMass, restMass float64
		for k, v := range out {
			if v <= domain.FloorProbability {
				pinned[k] = true
				pinnedMass += domain.FloorProbability
			} else {
				restMass += v
			}
		}

		if len(pinned) == 0 {
			var sum float64
			for _, v := range out {
				sum += v
			}
			for k := range out {
				out[k] /= sum
			}
			return out
		}
		if len(pinned) == len(out) {
			// Everything at or below the floor: fall back to uniform.
			for k := range out {
				out[k] = 1 / float64(len(out))
			}
			return out
		}

		scale := (1 - pinnedMass) / restMass
		dipped := false
		for k, v := range out {
			if pinned[k] {
				out[k] = domain.FloorProbability
				continue
			}
			nv := v * scale
			if nv < domain.FloorProbability {
				dipped = true
			}
			out[k] = nv
		}
		if !dipped {
			return out
		}
	}
	return out
}
