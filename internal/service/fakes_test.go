package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sentimarket/probengine/internal/correction"
	"github.com/sentimarket/probengine/internal/domain"
	"github.com/sentimarket/probengine/internal/engine"
)

type memMarketStore struct {
	mu         sync.Mutex
	markets    map[string]domain.Market
	failUpdate bool
}

func newMemMarketStore() *memMarketStore {
	return &memMarketStore{markets: make(map[string]domain.Market)}
}

func (s *memMarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.markets[m.ID] = m
	return nil
}

func (s *memMarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memMarketStore) UpdateOutcomes(_ context.Context, id string, outcomes []domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return fmt.Errorf("row update unavailable")
	}
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Outcomes = outcomes
	m.UpdatedAt = time.Now().UTC()
	s.markets[id] = m
	return nil
}

func (s *memMarketStore) ListActive(_ context.Context, _ domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.Status == domain.MarketStatusActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMarketStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.markets)), nil
}

type memProbStore struct {
	mu      sync.Mutex
	current map[string]domain.ProbabilityState
	snaps   []domain.ProbabilitySnapshot
	nextID  int64
}

func newMemProbStore() *memProbStore {
	return &memProbStore{current: make(map[string]domain.ProbabilityState)}
}

func (s *memProbStore) GetCurrent(_ context.Context, marketID string) (domain.ProbabilityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.current[marketID]
	if !ok {
		return domain.ProbabilityState{}, domain.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *memProbStore) Commit(_ context.Context, state domain.ProbabilityState) (domain.ProbabilitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	snap := domain.ProbabilitySnapshot{
		ID:            s.nextID,
		MarketID:      state.MarketID,
		Probabilities: state.Clone().Probabilities,
		CreatedAt:     state.UpdatedAt,
	}
	s.current[state.MarketID] = state.Clone()
	s.snaps = append(s.snaps, snap)
	return snap, nil
}

func (s *memProbStore) ListSnapshots(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.ProbabilitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProbabilitySnapshot
	for _, sn := range s.snaps {
		if sn.MarketID == marketID {
			out = append(out, sn)
		}
	}
	return out, nil
}

func (s *memProbStore) ListSnapshotsBefore(_ context.Context, before time.Time, _ int) ([]domain.ProbabilitySnapshot, error) {
	return nil, nil
}

func (s *memProbStore) DeleteSnapshotsBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type memEvidenceStore struct {
	mu         sync.Mutex
	records    []domain.EvidenceRecord
	nextID     int64
	failAppend bool
}

func (s *memEvidenceStore) AppendBatch(_ context.Context, marketID string, payloads []domain.EvidencePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return fmt.Errorf("journal unavailable")
	}
	for _, p := range payloads {
		s.nextID++
		s.records = append(s.records, domain.EvidenceRecord{
			ID:         s.nextID,
			MarketID:   marketID,
			PostID:     p.PostID,
			Payload:    p,
			AcceptedAt: time.Now().UTC(),
		})
	}
	return nil
}

func (s *memEvidenceStore) ListByMarket(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvidenceRecord
	for _, r := range s.records {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	return out, nil
}

type memLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLock() *memLock { return &memLock{held: make(map[string]bool)} }

func (l *memLock) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type memStateCache struct {
	mu     sync.Mutex
	states map[string]domain.ProbabilityState
}

func newMemStateCache() *memStateCache {
	return &memStateCache{states: make(map[string]domain.ProbabilityState)}
}

func (c *memStateCache) Set(_ context.Context, state domain.ProbabilityState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state.MarketID] = state.Clone()
	return nil
}

func (c *memStateCache) Get(_ context.Context, marketID string) (domain.ProbabilityState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[marketID]
	if !ok {
		return domain.ProbabilityState{}, domain.ErrNotFound
	}
	return st.Clone(), nil
}

func (c *memStateCache) Invalidate(_ context.Context, marketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, marketID)
	return nil
}

type fakeSidecar struct {
	metaParams correction.MetaParams
	metaErr    error

	corrected map[string]float64
	corrErr   error
	corrCalls int
}

func (f *fakeSidecar) Meta(context.Context, string) (correction.MetaParams, error) {
	if f.metaErr != nil {
		return correction.MetaParams{}, f.metaErr
	}
	return f.metaParams, nil
}

func (f *fakeSidecar) Correct(_ context.Context, _ string, probs map[string]float64) (map[string]float64, error) {
	f.corrCalls++
	if f.corrErr != nil {
		return nil, f.corrErr
	}
	if f.corrected != nil {
		return f.corrected, nil
	}
	return probs, nil
}

var errSidecarDown = errors.New("sidecar down")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(probs *memProbStore) *engine.Manager {
	return engine.NewManager(probs, newMemLock(), nil, testLogger())
}
