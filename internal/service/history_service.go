package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sentimarket/probengine/internal/domain"
	"github.com/sentimarket/probengine/internal/engine"
)

// HistoryService serves read-only history: the snapshot sequence and the
// evidence journal.
type HistoryService struct {
	manager  *engine.Manager
	evidence domain.EvidenceStore
	logger   *slog.Logger
}

// NewHistoryService creates a HistoryService.
func NewHistoryService(manager *engine.Manager, evidence domain.EvidenceStore, logger *slog.Logger) *HistoryService {
	return &HistoryService{
		manager:  manager,
		evidence: evidence,
		logger:   logger.With(slog.String("component", "history_service")),
	}
}

// Snapshots returns a market's snapshot history in commit order.
func (s *HistoryService) Snapshots(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.ProbabilitySnapshot, error) {
	snaps, err := s.manager.SnapshotHistory(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("history_service: snapshots for %q: %w", marketID, err)
	}
	return snaps, nil
}

// Evidence returns a market's journaled evidence, oldest first.
func (s *HistoryService) Evidence(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.EvidenceRecord, error) {
	records, err := s.evidence.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("history_service: evidence for %q: %w", marketID, err)
	}
	return records, nil
}
