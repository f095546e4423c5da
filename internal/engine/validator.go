// Package engine implements the evidence-to-probability core: payload
// validation, per-outcome evidence aggregation, temperature-scaled softmax
// normalization, and the invariant-preserving probability state manager.
package engine

import (
	"fmt"
	"math"

	"github.com/sentimarket/probengine/internal/domain"
)

// numericBound describes the closed interval a score field must fall in.
type numericBound struct {
	lo, hi float64
}

var judgmentBounds = map[string]numericBound{
	"relevance":   {0, 1},
	"stance":      {-1, 1},
	"strength":    {0, 1},
	"credibility": {0, 1},
	"confidence":  {0, 1},
}

// ValidateBatch checks every payload in the batch for shape and numeric
// bounds and returns one EvidenceScore per (post, outcome) pair. Validation
// is all-or-nothing: the first malformed payload rejects the entire batch and
// no scores are returned.
//
// Outcome identifiers are NOT checked against any market here; evidence may
// legitimately reference outcomes that were removed after scoring started,
// and the aggregator silently drops those entries.
func ValidateBatch(batch domain.EvidenceBatch) ([]domain.EvidenceScore, error) {
	var scores []domain.EvidenceScore
	for i := range batch.Results {
		s, err := validatePayload(batch.Results[i])
		if err != nil {
			return nil, err
		}
		scores = append(scores, s...)
	}
	return scores, nil
}

// validatePayload validates a single post's payload.
func validatePayload(p domain.EvidencePayload) ([]domain.EvidenceScore, error) {
	if p.PostID == "" {
		return nil, &domain.ValidationError{Field: "post_id", Reason: "must not be empty"}
	}
	if len(p.PerOutcome) == 0 {
		return nil, &domain.ValidationError{PostID: p.PostID, Field: "per_outcome", Reason: "must not be empty"}
	}

	var flags domain.EvidenceFlags
	if p.Flags != nil {
		flags = *p.Flags
	}

	scores := make([]domain.EvidenceScore, 0, len(p.PerOutcome))
	for outcomeID, j := range p.PerOutcome {
		if outcomeID == "" {
			return nil, &domain.ValidationError{PostID: p.PostID, Field: "per_outcome", Reason: "outcome id must not be empty"}
		}

		relevance, err := checkRequired(p.PostID, outcomeID, "relevance", j.Relevance)
		if err != nil {
			return nil, err
		}
		stance, err := checkRequired(p.PostID, outcomeID, "stance", j.Stance)
		if err != nil {
			return nil, err
		}
		strength, err := checkRequired(p.PostID, outcomeID, "strength", j.Strength)
		if err != nil {
			return nil, err
		}
		credibility, err := checkRequired(p.PostID, outcomeID, "credibility", j.Credibility)
		if err != nil {
			return nil, err
		}

		// Confidence is optional; absent means no extra weighting.
		confidence := 1.0
		if j.Confidence != nil {
			confidence, err = checkBounds(p.PostID, outcomeID, "confidence", *j.Confidence)
			if err != nil {
				return nil, err
			}
		}

		scores = append(scores, domain.EvidenceScore{
			PostID:      p.PostID,
			OutcomeID:   outcomeID,
			Relevance:   relevance,
			Stance:      stance,
			Strength:    strength,
			Credibility: credibility,
			Confidence:  confidence,
			Flags:       flags,
		})
	}
	return scores, nil
}

// checkRequired rejects nil fields, then applies bounds checking.
func checkRequired(postID, outcomeID, field string, v *float64) (float64, error) {
	if v == nil {
		return 0, &domain.ValidationError{
			PostID: postID,
			Field:  fieldPath(outcomeID, field),
			Reason: "missing required numeric field",
		}
	}
	return checkBounds(postID, outcomeID, field, *v)
}

// checkBounds rejects non-finite values and values outside the field's
// declared interval.
func checkBounds(postID, outcomeID, field string, v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &domain.ValidationError{
			PostID: postID,
			Field:  fieldPath(outcomeID, field),
			Reason: "must be a finite number",
		}
	}
	b := judgmentBounds[field]
	if v < b.lo || v > b.hi {
		return 0, &domain.ValidationError{
			PostID: postID,
			Field:  fieldPath(outcomeID, field),
			Reason: fmt.Sprintf("value %g outside [%g,%g]", v, b.lo, b.hi),
		}
	}
	return v, nil
}

func fieldPath(outcomeID, field string) string {
	return "per_outcome." + outcomeID + "." + field
}
