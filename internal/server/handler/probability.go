package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sentimarket/probengine/internal/domain"
)

// StateReader supplies the current committed distribution for a market.
type StateReader interface {
	CurrentState(ctx context.Context, marketID string) (domain.ProbabilityState, error)
}

// HistoryService supplies the snapshot sequence and the evidence journal.
type HistoryService interface {
	Snapshots(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.ProbabilitySnapshot, error)
	Evidence(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.EvidenceRecord, error)
}

// ProbabilityHandler serves probability state and history endpoints.
type ProbabilityHandler struct {
	states  StateReader
	history HistoryService
	logger  *slog.Logger
}

// NewProbabilityHandler creates a ProbabilityHandler.
func NewProbabilityHandler(states StateReader, history HistoryService, logger *slog.Logger) *ProbabilityHandler {
	return &ProbabilityHandler{
		states:  states,
		history: history,
		logger:  logger,
	}
}

// snapshotsResponse wraps the snapshot list with pagination metadata.
type snapshotsResponse struct {
	Snapshots []domain.ProbabilitySnapshot `json:"snapshots"`
	Limit     int                          `json:"limit"`
	Offset    int                          `json:"offset"`
}

// evidenceLogResponse wraps the evidence journal output.
type evidenceLogResponse struct {
	Evidence []domain.EvidenceRecord `json:"evidence"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

// GetProbabilities returns the current committed distribution for a market.
// GET /api/markets/{id}/probabilities
func (h *ProbabilityHandler) GetProbabilities(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	state, err := h.states.CurrentState(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// ListSnapshots returns a market's snapshot history in commit order.
// GET /api/markets/{id}/snapshots?limit=50&offset=0
func (h *ProbabilityHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	opts := parseListOpts(r)

	snaps, err := h.history.Snapshots(r.Context(), marketID, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshotsResponse{
		Snapshots: snaps,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	})
}

// ListEvidence returns a market's journaled evidence, oldest first.
// GET /api/markets/{id}/evidence?limit=50&offset=0
func (h *ProbabilityHandler) ListEvidence(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	opts := parseListOpts(r)

	records, err := h.history.Evidence(r.Context(), marketID, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, evidenceLogResponse{
		Evidence: records,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}
