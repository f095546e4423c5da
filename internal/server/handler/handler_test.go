package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentimarket/probengine/internal/domain"
)

type fakeMarketService struct {
	market domain.Market
	state  domain.ProbabilityState
	err    error

	createdID       string
	removedOutcome  string
	listOpts        domain.ListOpts
	ingestedMarket  string
	ingestedBatch   domain.EvidenceBatch
	snapshots       []domain.ProbabilitySnapshot
	evidenceRecords []domain.EvidenceRecord
}

func (f *fakeMarketService) CreateMarket(_ context.Context, id, question string, outcomes []domain.Outcome) (domain.Market, domain.ProbabilityState, error) {
	f.createdID = id
	return f.market, f.state, f.err
}

func (f *fakeMarketService) GetMarket(context.Context, string) (domain.Market, domain.ProbabilityState, error) {
	return f.market, f.state, f.err
}

func (f *fakeMarketService) RemoveOutcome(_ context.Context, _, outcomeID string) (domain.ProbabilityState, error) {
	f.removedOutcome = outcomeID
	return f.state, f.err
}

func (f *fakeMarketService) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	f.listOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return []domain.Market{f.market}, nil
}

func (f *fakeMarketService) Count(context.Context) (int64, error) {
	return 1, f.err
}

func (f *fakeMarketService) IngestBatch(_ context.Context, marketID string, batch domain.EvidenceBatch) (domain.ProbabilityState, error) {
	f.ingestedMarket = marketID
	f.ingestedBatch = batch
	return f.state, f.err
}

func (f *fakeMarketService) CurrentState(context.Context, string) (domain.ProbabilityState, error) {
	return f.state, f.err
}

func (f *fakeMarketService) Snapshots(context.Context, string, domain.ListOpts) ([]domain.ProbabilitySnapshot, error) {
	return f.snapshots, f.err
}

func (f *fakeMarketService) Evidence(context.Context, string, domain.ListOpts) ([]domain.EvidenceRecord, error) {
	return f.evidenceRecords, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMux(f *fakeMarketService) *http.ServeMux {
	mh := NewMarketHandler(f, testLogger())
	eh := NewEvidenceHandler(f, testLogger())
	ph := NewProbabilityHandler(f, f, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/markets", mh.CreateMarket)
	mux.HandleFunc("GET /api/markets", mh.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", mh.GetMarket)
	mux.HandleFunc("DELETE /api/markets/{id}/outcomes/{outcomeId}", mh.RemoveOutcome)
	mux.HandleFunc("POST /api/markets/{id}/evidence", eh.IngestBatch)
	mux.HandleFunc("GET /api/markets/{id}/probabilities", ph.GetProbabilities)
	mux.HandleFunc("GET /api/markets/{id}/snapshots", ph.ListSnapshots)
	mux.HandleFunc("GET /api/markets/{id}/evidence", ph.ListEvidence)
	return mux
}

func do(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func fixtureState() domain.ProbabilityState {
	return domain.ProbabilityState{
		MarketID:      "m1",
		Probabilities: map[string]float64{"yes": 0.6, "no": 0.4},
	}
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "probengine", body["service"])
	assert.NotEmpty(t, body["uptime"])
}

func TestCreateMarket(t *testing.T) {
	f := &fakeMarketService{
		market: domain.Market{ID: "m1", Status: domain.MarketStatusActive},
		state:  fixtureState(),
	}
	mux := testMux(f)

	rec := do(t, mux, http.MethodPost, "/api/markets",
		`{"id":"m1","question":"q","outcomes":[{"id":"yes","label":"Yes"},{"id":"no","label":"No"}]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "m1", f.createdID)

	var resp marketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m1", resp.Market.ID)
	assert.InDelta(t, 0.6, resp.Probabilities.Probabilities["yes"], 1e-12)
}

func TestCreateMarketBadBody(t *testing.T) {
	mux := testMux(&fakeMarketService{})

	rec := do(t, mux, http.MethodPost, "/api/markets", `{"bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateMarketConflict(t *testing.T) {
	f := &fakeMarketService{err: domain.ErrAlreadyExists}
	mux := testMux(f)

	rec := do(t, mux, http.MethodPost, "/api/markets", `{"id":"m1","question":"q","outcomes":[{"id":"a","label":"A"}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetMarketNotFound(t *testing.T) {
	f := &fakeMarketService{err: domain.ErrNotFound}
	mux := testMux(f)

	rec := do(t, mux, http.MethodGet, "/api/markets/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListMarketsPagination(t *testing.T) {
	f := &fakeMarketService{market: domain.Market{ID: "m1"}}
	mux := testMux(f)

	rec := do(t, mux, http.MethodGet, "/api/markets?limit=10&offset=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, f.listOpts.Limit)
	assert.Equal(t, 5, f.listOpts.Offset)

	var resp listMarketsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Markets, 1)
	assert.Equal(t, int64(1), resp.Total)
}

func TestRemoveOutcome(t *testing.T) {
	f := &fakeMarketService{state: fixtureState()}
	mux := testMux(f)

	rec := do(t, mux, http.MethodDelete, "/api/markets/m1/outcomes/no", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no", f.removedOutcome)
}

func TestRemoveLastOutcomeConflict(t *testing.T) {
	f := &fakeMarketService{err: domain.ErrInvalidOperation}
	mux := testMux(f)

	rec := do(t, mux, http.MethodDelete, "/api/markets/m1/outcomes/only", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngestBatch(t *testing.T) {
	f := &fakeMarketService{state: fixtureState()}
	mux := testMux(f)

	body := `{"results":[{"post_id":"p1","per_outcome":{"yes":{"relevance":1,"stance":1,"strength":1,"credibility":1}}}]}`
	rec := do(t, mux, http.MethodPost, "/api/markets/m1/evidence", body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m1", f.ingestedMarket)
	require.Len(t, f.ingestedBatch.Results, 1)
	assert.Equal(t, "p1", f.ingestedBatch.Results[0].PostID)
}

func TestIngestBatchEmptyRejected(t *testing.T) {
	mux := testMux(&fakeMarketService{})

	rec := do(t, mux, http.MethodPost, "/api/markets/m1/evidence", `{"results":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestBatchValidationErrorIs400(t *testing.T) {
	f := &fakeMarketService{err: &domain.ValidationError{PostID: "p1", Field: "per_outcome.yes.stance", Reason: "out of bounds"}}
	mux := testMux(f)

	body := `{"results":[{"post_id":"p1","per_outcome":{}}]}`
	rec := do(t, mux, http.MethodPost, "/api/markets/m1/evidence", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "stance")
}

func TestIngestBatchLockHeldIs409(t *testing.T) {
	f := &fakeMarketService{err: domain.ErrLockHeld}
	mux := testMux(f)

	body := `{"results":[{"post_id":"p1","per_outcome":{}}]}`
	rec := do(t, mux, http.MethodPost, "/api/markets/m1/evidence", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetProbabilities(t *testing.T) {
	f := &fakeMarketService{state: fixtureState()}
	mux := testMux(f)

	rec := do(t, mux, http.MethodGet, "/api/markets/m1/probabilities", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state domain.ProbabilityState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.InDelta(t, 0.4, state.Probabilities["no"], 1e-12)
}

func TestListSnapshots(t *testing.T) {
	f := &fakeMarketService{snapshots: []domain.ProbabilitySnapshot{
		{ID: 1, MarketID: "m1", Probabilities: map[string]float64{"yes": 0.5, "no": 0.5}},
		{ID: 2, MarketID: "m1", Probabilities: map[string]float64{"yes": 0.6, "no": 0.4}},
	}}
	mux := testMux(f)

	rec := do(t, mux, http.MethodGet, "/api/markets/m1/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp snapshotsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Snapshots, 2)
	assert.Equal(t, int64(1), resp.Snapshots[0].ID)
}

func TestInternalErrorIsOpaque(t *testing.T) {
	f := &fakeMarketService{err: io.ErrUnexpectedEOF}
	mux := testMux(f)

	rec := do(t, mux, http.MethodGet, "/api/markets/m1/probabilities", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
	assert.NotContains(t, rec.Body.String(), "unexpected EOF")
}
