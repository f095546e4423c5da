package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sentimarket/probengine/internal/domain"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, id, question string, outcomes []domain.Outcome) (domain.Market, domain.ProbabilityState, error)
	GetMarket(ctx context.Context, id string) (domain.Market, domain.ProbabilityState, error)
	RemoveOutcome(ctx context.Context, marketID, outcomeID string) (domain.ProbabilityState, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context) (int64, error)
}

// MarketHandler serves market lifecycle HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// createMarketRequest is the POST body for market creation.
type createMarketRequest struct {
	ID       string           `json:"id"`
	Question string           `json:"question"`
	Outcomes []domain.Outcome `json:"outcomes"`
}

// marketResponse pairs a market with its current distribution.
type marketResponse struct {
	Market        domain.Market           `json:"market"`
	Probabilities domain.ProbabilityState `json:"probabilities"`
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// CreateMarket registers a new market and initializes its distribution.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	market, state, err := h.markets.CreateMarket(r.Context(), req.ID, req.Question, req.Outcomes)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, marketResponse{
		Market:        market,
		Probabilities: state,
	})
}

// ListMarkets returns active markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListActive(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market with its current distribution.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, state, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, marketResponse{
		Market:        market,
		Probabilities: state,
	})
}

// RemoveOutcome removes an outcome from a live market and returns the
// redistributed state.
// DELETE /api/markets/{id}/outcomes/{outcomeId}
func (h *MarketHandler) RemoveOutcome(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	outcomeID := pathParam(r, "outcomeId")
	if marketID == "" || outcomeID == "" {
		writeError(w, http.StatusBadRequest, "missing market or outcome id")
		return
	}

	state, err := h.markets.RemoveOutcome(r.Context(), marketID, outcomeID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}
