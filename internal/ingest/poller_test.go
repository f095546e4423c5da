package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentimarket/probengine/internal/domain"
	"github.com/sentimarket/probengine/internal/scoring"
)

type fakeBus struct {
	mu      sync.Mutex
	entries []domain.StreamMessage
	readErr error
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", len(b.entries)+1),
		Payload: payload,
	})
	return nil
}

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	var out []domain.StreamMessage
	for _, e := range b.entries {
		if lastID == "0" || e.ID > lastID {
			out = append(out, e)
		}
		if len(out) == count {
			break
		}
	}
	return out, nil
}

type fakeMarkets struct {
	markets map[string]domain.Market
}

func (m *fakeMarkets) Create(context.Context, domain.Market) error { return nil }

func (m *fakeMarkets) GetByID(_ context.Context, id string) (domain.Market, error) {
	mk, ok := m.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return mk, nil
}

func (m *fakeMarkets) UpdateOutcomes(context.Context, string, []domain.Outcome) error { return nil }

func (m *fakeMarkets) ListActive(context.Context, domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (m *fakeMarkets) Count(context.Context) (int64, error) { return 0, nil }

type fakeScorer struct {
	mu     sync.Mutex
	calls  map[string][]scoring.RawPost
	err    error
	scored func(posts []scoring.RawPost) domain.EvidenceBatch
}

func (s *fakeScorer) ScorePosts(_ context.Context, market domain.Market, posts []scoring.RawPost) (domain.EvidenceBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string][]scoring.RawPost)
	}
	s.calls[market.ID] = append(s.calls[market.ID], posts...)
	if s.err != nil {
		return domain.EvidenceBatch{}, s.err
	}
	if s.scored != nil {
		return s.scored(posts), nil
	}
	return domain.EvidenceBatch{}, nil
}

type fakeIngestor struct {
	mu       sync.Mutex
	ingested map[string]int
	err      error
}

func (i *fakeIngestor) IngestBatch(_ context.Context, marketID string, batch domain.EvidenceBatch) (domain.ProbabilityState, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ingested == nil {
		i.ingested = make(map[string]int)
	}
	i.ingested[marketID] += len(batch.Results)
	if i.err != nil {
		return domain.ProbabilityState{}, i.err
	}
	return domain.ProbabilityState{MarketID: marketID, Probabilities: map[string]float64{"yes": 0.5, "no": 0.5}}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func queuePost(t *testing.T, bus *fakeBus, marketID, postID, text string) {
	t.Helper()
	payload, err := json.Marshal(domain.RawPostEvent{MarketID: marketID, PostID: postID, Text: text})
	require.NoError(t, err)
	require.NoError(t, bus.StreamAppend(context.Background(), domain.StreamRawPosts, payload))
}

func scoredBatch(posts []scoring.RawPost) domain.EvidenceBatch {
	var batch domain.EvidenceBatch
	for _, p := range posts {
		batch.Results = append(batch.Results, domain.EvidencePayload{PostID: p.PostID})
	}
	return batch
}

func newPoller(bus *fakeBus, markets *fakeMarkets, scorer *fakeScorer, ingestor *fakeIngestor) *Poller {
	return NewPoller(bus, markets, scorer, ingestor, nil, Config{}, testLogger())
}

func TestDrainScoresAndIngestsPerMarket(t *testing.T) {
	bus := &fakeBus{}
	queuePost(t, bus, "m1", "p1", "rain incoming")
	queuePost(t, bus, "m2", "p2", "drought")
	queuePost(t, bus, "m1", "p3", "clouds gathering")

	markets := &fakeMarkets{markets: map[string]domain.Market{
		"m1": {ID: "m1"},
		"m2": {ID: "m2"},
	}}
	scorer := &fakeScorer{scored: scoredBatch}
	ingestor := &fakeIngestor{}

	p := newPoller(bus, markets, scorer, ingestor)
	require.NoError(t, p.Drain(context.Background()))

	var m1Posts []string
	for _, rp := range scorer.calls["m1"] {
		m1Posts = append(m1Posts, rp.PostID)
	}
	sort.Strings(m1Posts)
	assert.Equal(t, []string{"p1", "p3"}, m1Posts)
	assert.Len(t, scorer.calls["m2"], 1)

	assert.Equal(t, 2, ingestor.ingested["m1"])
	assert.Equal(t, 1, ingestor.ingested["m2"])
}

func TestDrainAdvancesCursor(t *testing.T) {
	bus := &fakeBus{}
	queuePost(t, bus, "m1", "p1", "first")

	markets := &fakeMarkets{markets: map[string]domain.Market{"m1": {ID: "m1"}}}
	scorer := &fakeScorer{scored: scoredBatch}
	ingestor := &fakeIngestor{}

	p := newPoller(bus, markets, scorer, ingestor)
	require.NoError(t, p.Drain(context.Background()))
	require.NoError(t, p.Drain(context.Background()))

	// The second drain found nothing new.
	assert.Equal(t, 1, ingestor.ingested["m1"])

	queuePost(t, bus, "m1", "p2", "second")
	require.NoError(t, p.Drain(context.Background()))
	assert.Equal(t, 2, ingestor.ingested["m1"])
}

func TestDrainSkipsUnknownMarkets(t *testing.T) {
	bus := &fakeBus{}
	queuePost(t, bus, "ghost", "p1", "text")
	queuePost(t, bus, "m1", "p2", "text")

	markets := &fakeMarkets{markets: map[string]domain.Market{"m1": {ID: "m1"}}}
	scorer := &fakeScorer{scored: scoredBatch}
	ingestor := &fakeIngestor{}

	p := newPoller(bus, markets, scorer, ingestor)
	require.NoError(t, p.Drain(context.Background()))

	assert.NotContains(t, scorer.calls, "ghost")
	assert.Equal(t, 1, ingestor.ingested["m1"])
}

func TestDrainScoringFailureDoesNotIngest(t *testing.T) {
	bus := &fakeBus{}
	queuePost(t, bus, "m1", "p1", "text")

	markets := &fakeMarkets{markets: map[string]domain.Market{"m1": {ID: "m1"}}}
	scorer := &fakeScorer{err: &domain.ExternalServiceError{Service: "scoring", Err: errors.New("down")}}
	ingestor := &fakeIngestor{}

	p := newPoller(bus, markets, scorer, ingestor)
	require.NoError(t, p.Drain(context.Background()))

	assert.Empty(t, ingestor.ingested)
}

func TestDrainSkipsMalformedEntries(t *testing.T) {
	bus := &fakeBus{}
	require.NoError(t, bus.StreamAppend(context.Background(), domain.StreamRawPosts, []byte("not json")))
	queuePost(t, bus, "m1", "p1", "text")

	markets := &fakeMarkets{markets: map[string]domain.Market{"m1": {ID: "m1"}}}
	scorer := &fakeScorer{scored: scoredBatch}
	ingestor := &fakeIngestor{}

	p := newPoller(bus, markets, scorer, ingestor)
	require.NoError(t, p.Drain(context.Background()))

	assert.Equal(t, 1, ingestor.ingested["m1"])
}

func TestDrainPropagatesReadErrors(t *testing.T) {
	bus := &fakeBus{readErr: errors.New("redis gone")}
	p := newPoller(bus, &fakeMarkets{}, &fakeScorer{}, &fakeIngestor{})

	err := p.Drain(context.Background())
	require.Error(t, err)
}
