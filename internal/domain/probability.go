package domain

import (
	"fmt"
	"math"
	"time"
)

const (
	// FloorProbability is the minimum probability any live outcome may hold
	// after a committed mutation.
	FloorProbability = 0.001

	// SumTolerance is the floating-point tolerance for the unit-sum invariant.
	SumTolerance = 1e-6
)

// ProbabilityState is the current distribution over a market's live outcomes.
// Exactly one state is current per market at any time; every transition
// produces a new value that replaces it.
type ProbabilityState struct {
	MarketID      string             `json:"market_id"`
	Probabilities map[string]float64 `json:"probabilities"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so callers can never mutate committed state.
func (s ProbabilityState) Clone() ProbabilityState {
	probs := make(map[string]float64, len(s.Probabilities))
	for k, v := range s.Probabilities {
		probs[k] = v
	}
	return ProbabilityState{
		MarketID:      s.MarketID,
		Probabilities: probs,
		UpdatedAt:     s.UpdatedAt,
	}
}

// Validate checks the distribution invariants against the given live outcome
// set: the values sum to 1 within SumTolerance, every value is at least
// FloorProbability, and the keys match liveOutcomes exactly.
func (s ProbabilityState) Validate(liveOutcomes []string) error {
	if len(s.Probabilities) != len(liveOutcomes) {
		return fmt.Errorf("probability state has %d entries, market has %d live outcomes",
			len(s.Probabilities), len(liveOutcomes))
	}

	sum := 0.0
	for _, id := range liveOutcomes {
		p, ok := s.Probabilities[id]
		if !ok {
			return fmt.Errorf("missing probability for live outcome %q", id)
		}
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("probability for outcome %q is not finite", id)
		}
		if p < FloorProbability {
			return fmt.Errorf("probability %g for outcome %q is below floor %g",
				p, id, FloorProbability)
		}
		if p > 1 {
			return fmt.Errorf("probability %g for outcome %q exceeds 1", p, id)
		}
		sum += p
	}
	if math.Abs(sum-1) > SumTolerance {
		return fmt.Errorf("probabilities sum to %.12f, want 1 within %g", sum, SumTolerance)
	}
	return nil
}

// ProbabilitySnapshot is an append-only record of a ProbabilityState at the
// moment it became current. Snapshots are never updated or deleted by the
// engine; retention is the store's concern.
type ProbabilitySnapshot struct {
	ID            int64              `json:"id"`
	MarketID      string             `json:"market_id"`
	Probabilities map[string]float64 `json:"probabilities"`
	CreatedAt     time.Time          `json:"created_at"`
}
