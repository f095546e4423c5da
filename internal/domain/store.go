package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market metadata and the live outcome set.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	UpdateOutcomes(ctx context.Context, id string, outcomes []Outcome) error
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// ProbabilityStore persists the current ProbabilityState per market together
// with its append-only snapshot history. Commit must write the new current
// state and append the corresponding snapshot as a single atomic unit; a
// failure leaves the previously committed state untouched.
type ProbabilityStore interface {
	GetCurrent(ctx context.Context, marketID string) (ProbabilityState, error)
	Commit(ctx context.Context, state ProbabilityState) (ProbabilitySnapshot, error)
	ListSnapshots(ctx context.Context, marketID string, opts ListOpts) ([]ProbabilitySnapshot, error)

	// ListSnapshotsBefore and DeleteSnapshotsBefore support cold-storage
	// archival. The engine itself never deletes history.
	ListSnapshotsBefore(ctx context.Context, before time.Time, limit int) ([]ProbabilitySnapshot, error)
	DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int64, error)
}

// EvidenceStore journals accepted evidence batches.
type EvidenceStore interface {
	AppendBatch(ctx context.Context, marketID string, payloads []EvidencePayload) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]EvidenceRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
