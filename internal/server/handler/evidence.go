package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sentimarket/probengine/internal/domain"
)

// EvidenceService defines the ingestion method the evidence handler requires.
type EvidenceService interface {
	IngestBatch(ctx context.Context, marketID string, batch domain.EvidenceBatch) (domain.ProbabilityState, error)
}

// EvidenceHandler serves evidence ingestion endpoints.
type EvidenceHandler struct {
	evidence EvidenceService
	logger   *slog.Logger
}

// NewEvidenceHandler creates an EvidenceHandler.
func NewEvidenceHandler(evidence EvidenceService, logger *slog.Logger) *EvidenceHandler {
	return &EvidenceHandler{
		evidence: evidence,
		logger:   logger,
	}
}

// IngestBatch applies a scored evidence batch to a market. The batch is
// all-or-nothing: a single malformed payload rejects the whole request with
// no state change.
// POST /api/markets/{id}/evidence
func (h *EvidenceHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var batch domain.EvidenceBatch
	if err := decodeBody(r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(batch.Results) == 0 {
		writeError(w, http.StatusBadRequest, "empty evidence batch")
		return
	}

	state, err := h.evidence.IngestBatch(r.Context(), marketID, batch)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}
