package engine

import "github.com/sentimarket/probengine/internal/domain"

// Advisory flag dampers. A flagged post still contributes, but with reduced
// weight: sarcastic posts are near-noise, questions assert little, and
// rumor-style phrasing is discounted.
const (
	sarcasmDamper  = 0.2
	questionDamper = 0.5
	rumorDamper    = 0.6
)

// Aggregate reduces validated evidence into one scalar evidence mass per live
// outcome. The mass is the plain sum of each entry's signed contribution
//
//	stance * strength * credibility * relevance * confidence
//
// damped by advisory flags. Summation makes the result independent of
// delivery order, which matters because the upstream collector may re-deliver
// or re-order batches.
//
// Entries referencing outcomes outside liveOutcomes are dropped (evidence can
// arrive after an outcome was removed). Every live outcome appears in the
// result, with mass 0 when it received no evidence, so the normalizer always
// sees a dense map.
func Aggregate(liveOutcomes []string, scores []domain.EvidenceScore) map[string]float64 {
	mass := make(map[string]float64, len(liveOutcomes))
	for _, id := range liveOutcomes {
		mass[id] = 0
	}

	for _, s := range scores {
		if _, live := mass[s.OutcomeID]; !live {
			continue
		}
		mass[s.OutcomeID] += contribution(s)
	}
	return mass
}

// contribution computes the signed weight of a single evidence entry.
func contribution(s domain.EvidenceScore) float64 {
	c := s.Stance * s.Strength * s.Credibility * s.Relevance * s.Confidence
	if s.Flags.IsSarcasm {
		c *= sarcasmDamper
	}
	if s.Flags.IsQuestion {
		c *= questionDamper
	}
	if s.Flags.IsRumorStyle {
		c *= rumorDamper
	}
	return c
}
