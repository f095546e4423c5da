package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusResolved MarketStatus = "resolved"
	MarketStatusArchived MarketStatus = "archived"
)

// Outcome is a single mutually exclusive result a market can settle on.
// It exists only while referenced by its market's live outcome set.
type Outcome struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Market is a prediction market whose probability distribution is maintained
// by the engine. Outcomes is the ordered live outcome set; outcomes may be
// removed while the market is live, but the set is never empty.
type Market struct {
	ID        string       `json:"id"`
	Question  string       `json:"question"`
	Outcomes  []Outcome    `json:"outcomes"`
	Status    MarketStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// OutcomeIDs returns the identifiers of the live outcome set, in order.
func (m Market) OutcomeIDs() []string {
	ids := make([]string, len(m.Outcomes))
	for i, o := range m.Outcomes {
		ids[i] = o.ID
	}
	return ids
}

// HasOutcome reports whether id is in the market's live outcome set.
func (m Market) HasOutcome(id string) bool {
	for _, o := range m.Outcomes {
		if o.ID == id {
			return true
		}
	}
	return false
}
