package domain

import "time"

// EvidenceFlags are advisory classification hints attached to a scored post.
// They weight contributions during aggregation but are never required for a
// payload to be accepted.
type EvidenceFlags struct {
	IsSarcasm    bool `json:"is_sarcasm,omitempty"`
	IsQuestion   bool `json:"is_question,omitempty"`
	IsQuote      bool `json:"is_quote,omitempty"`
	IsRumorStyle bool `json:"is_rumor_style,omitempty"`
}

// DisplayLabels carry human-readable annotations produced by the scoring
// service. They are stored for rendering elsewhere and ignored by the engine.
type DisplayLabels struct {
	Summary          string `json:"summary,omitempty"`
	Reason           string `json:"reason,omitempty"`
	CredibilityLabel string `json:"credibility_label,omitempty"`
	StanceLabel      string `json:"stance_label,omitempty"`
}

// OutcomeJudgment is the raw per-outcome scoring of a single post. Required
// fields are pointers so the validator can distinguish a missing field from a
// legitimate zero.
type OutcomeJudgment struct {
	Relevance   *float64 `json:"relevance"`   // [0,1]
	Stance      *float64 `json:"stance"`      // [-1,1]
	Strength    *float64 `json:"strength"`    // [0,1]
	Credibility *float64 `json:"credibility"` // [0,1]
	Confidence  *float64 `json:"confidence,omitempty"`
}

// EvidencePayload is the raw judgment for one post as delivered by the
// scoring service, before validation.
type EvidencePayload struct {
	PostID        string                     `json:"post_id"`
	PerOutcome    map[string]OutcomeJudgment `json:"per_outcome"`
	Flags         *EvidenceFlags             `json:"flags,omitempty"`
	DisplayLabels *DisplayLabels             `json:"display_labels,omitempty"`
}

// EvidenceBatch is a set of per-post payloads delivered together. Ingestion
// is all-or-nothing: one malformed payload rejects the whole batch.
type EvidenceBatch struct {
	Results []EvidencePayload `json:"results"`
}

// EvidenceScore is a fully validated, bounds-checked judgment of one post
// about one outcome. Confidence defaults to 1 when the payload omitted it, so
// it can always be applied as a multiplicative weight.
type EvidenceScore struct {
	PostID      string
	OutcomeID   string
	Relevance   float64
	Stance      float64
	Strength    float64
	Credibility float64
	Confidence  float64
	Flags       EvidenceFlags
}

// EvidenceRecord is a journaled, accepted evidence payload.
type EvidenceRecord struct {
	ID         int64
	MarketID   string
	PostID     string
	Payload    EvidencePayload
	AcceptedAt time.Time
}
