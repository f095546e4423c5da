package engine

import (
	"fmt"
	"math"

	"github.com/sentimarket/probengine/internal/domain"
)

// Normalize converts per-outcome evidence mass into a probability
// distribution using a temperature-scaled softmax. Lower temperature sharpens
// the distribution toward the highest-mass outcomes; higher temperature
// flattens it toward uniform.
//
// The maximum scaled mass is subtracted before exponentiating so that inputs
// of large magnitude cannot overflow. An empty input yields an empty map; the
// caller must treat that as an error, since a market never has zero outcomes.
//
// Normalize applies no probability floor; flooring interacts with outcome
// removal and belongs to the state manager.
func Normalize(mass map[string]float64, temperature float64) (map[string]float64, error) {
	if temperature <= 0 || math.IsNaN(temperature) {
		return nil, fmt.Errorf("engine: temperature %g must be > 0: %w",
			temperature, domain.ErrInvalidParameter)
	}
	if len(mass) == 0 {
		return map[string]float64{}, nil
	}

	scaled := make(map[string]float64, len(mass))
	maxScaled := math.Inf(-1)
	for id, m := range mass {
		v := m / temperature
		scaled[id] = v
		if v > maxScaled {
			maxScaled = v
		}
	}

	probs := make(map[string]float64, len(mass))
	var sum float64
	for id, v := range scaled {
		e := math.Exp(v - maxScaled)
		probs[id] = e
		sum += e
	}
	// sum >= 1 always: the maximum entry contributes exp(0) == 1.
	for id := range probs {
		probs[id] /= sum
	}
	return probs, nil
}
