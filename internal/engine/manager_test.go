package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentimarket/probengine/internal/domain"
)

// memProbStore is an in-memory ProbabilityStore with atomic commit semantics.
type memProbStore struct {
	mu      sync.Mutex
	current map[string]domain.ProbabilityState
	snaps   []domain.ProbabilitySnapshot
	nextID  int64

	failCommit bool
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
	if s.failCommit {
		return domain.ProbabilitySnapshot{}, fmt.Errorf("store unavailable")
	}
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
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProbabilitySnapshot
	for _, sn := range s.snaps {
		if sn.CreatedAt.Before(before) {
			out = append(out, sn)
		}
	}
	return out, nil
}

func (s *memProbStore) DeleteSnapshotsBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.snaps[:0]
	var n int64
	for _, sn := range s.snaps {
		if sn.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, sn)
	}
	s.snaps = kept
	return n, nil
}

// memLock is an in-process LockManager.
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

// memBus records published payloads and stream appends.
type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][][]byte), streams: make(map[string][][]byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memBus) StreamRead(_ context.Context, stream string, _ string, _ int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for i, p := range b.streams[stream] {
		out = append(out, domain.StreamMessage{ID: fmt.Sprintf("%d-0", i), Payload: p})
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() (*Manager, *memProbStore, *memBus) {
	store := newMemProbStore()
	bus := newMemBus()
	return NewManager(store, newMemLock(), bus, testLogger()), store, bus
}

func TestInitializeUniform(t *testing.T) {
	mgr, store, _ := newTestManager()

	state, err := mgr.Initialize(context.Background(), "m1", []string{"a", "b", "c", "d"})
	require.NoError(t, err)

	require.Len(t, state.Probabilities, 4)
	for id, p := range state.Probabilities {
		assert.InDelta(t, 0.25, p, 1e-12, "outcome %s", id)
	}

	snaps, err := store.ListSnapshots(context.Background(), "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 0.25, snaps[0].Probabilities["a"], 1e-12)
}

func TestInitializeRejectsEmptyOutcomes(t *testing.T) {
	mgr, store, _ := newTestManager()

	_, err := mgr.Initialize(context.Background(), "m1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, store.snaps)
}

func TestApplyEvidenceUniformMass(t *testing.T) {
	mgr, _, _ := newTestManager()

	_, err := mgr.Initialize(context.Background(), "m1", []string{"A", "B", "C"})
	require.NoError(t, err)

	state, err := mgr.ApplyEvidence(context.Background(), "m1", map[string]float64{"A": 2, "B": 2, "C": 2}, 1)
	require.NoError(t, err)
	for id, p := range state.Probabilities {
		assert.InDelta(t, 1.0/3.0, p, 1e-6, "outcome %s", id)
	}
}

func TestApplyEvidenceEnforcesFloor(t *testing.T) {
	mgr, _, _ := newTestManager()

	_, err := mgr.Initialize(context.Background(), "m1", []string{"A", "B"})
	require.NoError(t, err)

	// Sharpened softmax would push B to ~0; the committed state must keep it
	// at the floor with the total still summing to 1.
	state, err := mgr.ApplyEvidence(context.Background(), "m1", map[string]float64{"A": 10, "B": 0}, 0.1)
	require.NoError(t, err)

	assert.InDelta(t, domain.FloorProbability, state.Probabilities["B"], 1e-12)
	assert.InDelta(t, 1-domain.FloorProbability, state.Probabilities["A"], 1e-9)

	sum := state.Probabilities["A"] + state.Probabilities["B"]
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestApplyEvidenceRejectsEmptyMass(t *testing.T) {
	mgr, store, _ := newTestManager()

	_, err := mgr.ApplyEvidence(context.Background(), "m1", map[string]float64{}, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, store.snaps)
}

func TestApplyEvidenceRejectsBadTemperature(t *testing.T) {
	mgr, store, _ := newTestManager()

	_, err := mgr.ApplyEvidence(context.Background(), "m1", map[string]float64{"A": 1}, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
	assert.Empty(t, store.snaps)
}

func TestApplyEvidenceUnknownMarket(t *testing.T) {
	mgr, store, _ := newTestManager()

	_, err := mgr.ApplyEvidence(context.Background(), "ghost", map[string]float64{"A": 1}, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, store.snaps)
}

func TestApplyEvidenceDropsRetiredOutcomes(t *testing.T) {
	mgr, store, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Initialize(ctx, "m1", []string{"A", "B", "C"})
	require.NoError(t, err)
	_, err = mgr.RemoveOutcome(ctx, "m1", "C")
	require.NoError(t, err)

	// Mass aggregated from a market row read before the removal still names
	// C; the committed state must not bring it back.
	state, err := mgr.ApplyEvidence(ctx, "m1", map[string]float64{"A": 1, "B": 1, "C": 1}, 1)
	require.NoError(t, err)

	require.Len(t, state.Probabilities, 2)
	assert.NotContains(t, state.Probabilities, "C")
	assert.InDelta(t, 1.0, state.Probabilities["A"]+state.Probabilities["B"], 1e-6)

	committed, err := store.GetCurrent(ctx, "m1")
	require.NoError(t, err)
	assert.NotContains(t, committed.Probabilities, "C")
}

func TestApplyEvidenceZeroFillsMissingLiveOutcome(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Initialize(ctx, "m1", []string{"A", "B", "C"})
	require.NoError(t, err)

	// Mass missing a live outcome still commits a full distribution.
	state, err := mgr.ApplyEvidence(ctx, "m1", map[string]float64{"A": 1, "B": 1}, 1)
	require.NoError(t, err)

	require.Len(t, state.Probabilities, 3)
	assert.Contains(t, state.Probabilities, "C")
	assert.Greater(t, state.Probabilities["C"], 0.0)
}

func TestApplyEvidenceRejectsFullyRetiredMass(t *testing.T) {
	mgr, store, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Initialize(ctx, "m1", []string{"A", "B"})
	require.NoError(t, err)
	before, err := store.GetCurrent(ctx, "m1")
	require.NoError(t, err)

	_, err = mgr.ApplyEvidence(ctx, "m1", map[string]float64{"X": 1, "Y": 1}, 1)
	var ive *domain.InvariantViolationError
	require.ErrorAs(t, err, &ive)

	after, err := store.GetCurrent(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, before.Probabilities, after.Probabilities)
}

func TestApplyEvidenceAbortsWhenCommitFails(t *testing.T) {
	mgr, store, _ := newTestManager()

	_, err := mgr.Initialize(context.Background(), "m1", []string{"A", "B"})
	require.NoError(t, err)
	before, err := store.GetCurrent(context.Background(), "m1")
	require.NoError(t, err)

	store.failCommit = true
	_, err = mgr.ApplyEvidence(context.Background(), "m1", map[string]float64{"A": 5, "B": 0}, 1)
	require.Error(t, err)

	after, err := store.GetCurrent(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, before.Probabilities, after.Probabilities)
}

func TestRemoveOutcomeRedistributes(t *testing.T) {
	mgr, store, _ := newTestManager()

	now := time.Now().UTC()
	_, err := store.Commit(context.Background(), domain.ProbabilityState{
		MarketID:      "m1",
		Probabilities: map[string]float64{"A": 0.5, "B": 0.3, "C": 0.2},
		UpdatedAt:     now,
	})
	require.NoError(t, err)

	state, err := mgr.RemoveOutcome(context.Background(), "m1", "B")
	require.NoError(t, err)

	require.Len(t, state.Probabilities, 2)
	assert.NotContains(t, state.Probabilities, "B")
	assert.InDelta(t, 0.7143, state.Probabilities["A"], 1e-4)
	assert.InDelta(t, 0.2857, state.Probabilities["C"], 1e-4)
	assert.InDelta(t, 1.0, state.Probabilities["A"]+state.Probabilities["C"], 1e-6)
}

func TestRemoveOutcomeNotFound(t *testing.T) {
	mgr, store, _ := newTestManager()

	_, err := mgr.Initialize(context.Background(), "m1", []string{"A", "B"})
	require.NoError(t, err)
	before, _ := store.GetCurrent(context.Background(), "m1")

	_, err = mgr.RemoveOutcome(context.Background(), "m1", "Z")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	after, _ := store.GetCurrent(context.Background(), "m1")
	assert.Equal(t, before.Probabilities, after.Probabilities)
}

func TestRemoveOutcomeRejectsLastOutcome(t *testing.T) {
	mgr, store, _ := newTestManager()

	_, err := mgr.Initialize(context.Background(), "m1", []string{"only"})
	require.NoError(t, err)

	_, err = mgr.RemoveOutcome(context.Background(), "m1", "only")
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	state, err := store.GetCurrent(context.Background(), "m1")
	require.NoError(t, err)
	assert.Contains(t, state.Probabilities, "only")
}

func TestRemoveOutcomeEmitsEvent(t *testing.T) {
	mgr, _, bus := newTestManager()

	_, err := mgr.Initialize(context.Background(), "m1", []string{"A", "B", "C"})
	require.NoError(t, err)

	_, err = mgr.RemoveOutcome(context.Background(), "m1", "C")
	require.NoError(t, err)

	msgs, err := bus.StreamRead(context.Background(), domain.StreamOutcomeRemoved, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Payload), `"market_id":"m1"`)
	assert.Contains(t, string(msgs[0].Payload), `"outcome_id":"C"`)
}

func TestRemoveOutcomeFloorsSurvivors(t *testing.T) {
	mgr, store, _ := newTestManager()

	// One dominant outcome; a tiny survivor must be lifted to the floor.
	_, err := store.Commit(context.Background(), domain.ProbabilityState{
		MarketID:      "m1",
		Probabilities: map[string]float64{"A": 0.0475, "B": 0.95, "C": 0.0015, "D": 0.001},
		UpdatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)

	state, err := mgr.RemoveOutcome(context.Background(), "m1", "A")
	require.NoError(t, err)

	sum := 0.0
	for id, p := range state.Probabilities {
		assert.GreaterOrEqual(t, p, domain.FloorProbability, "outcome %s", id)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestSnapshotsAppendOnlyAndOrdered(t *testing.T) {
	mgr, store, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Initialize(ctx, "m1", []string{"A", "B", "C"})
	require.NoError(t, err)
	_, err = mgr.ApplyEvidence(ctx, "m1", map[string]float64{"A": 1, "B": 0, "C": -1}, 1)
	require.NoError(t, err)
	_, err = mgr.RemoveOutcome(ctx, "m1", "C")
	require.NoError(t, err)

	snaps, err := mgr.SnapshotHistory(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	for i := 1; i < len(snaps); i++ {
		assert.Greater(t, snaps[i].ID, snaps[i-1].ID)
		assert.False(t, snaps[i].CreatedAt.Before(snaps[i-1].CreatedAt))
	}

	// A failed mutation must not shorten or extend history.
	store.failCommit = true
	_, err = mgr.ApplyEvidence(ctx, "m1", map[string]float64{"A": 1, "B": 0}, 1)
	require.Error(t, err)
	store.failCommit = false

	again, err := mgr.SnapshotHistory(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestCurrentStateReadIsIdempotent(t *testing.T) {
	mgr, store, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Initialize(ctx, "m1", []string{"A", "B", "C"})
	require.NoError(t, err)
	_, err = mgr.RemoveOutcome(ctx, "m1", "B")
	require.NoError(t, err)

	first, err := store.GetCurrent(ctx, "m1")
	require.NoError(t, err)
	second, err := store.GetCurrent(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMutationsSerializedPerMarket(t *testing.T) {
	store := newMemProbStore()
	locks := newMemLock()
	mgr := NewManager(store, locks, newMemBus(), testLogger())

	// Hold the market lock; mutations must fail rather than race.
	unlock, err := locks.Acquire(context.Background(), lockKey("m1"), time.Second)
	require.NoError(t, err)

	_, err = mgr.Initialize(context.Background(), "m1", []string{"A", "B"})
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// A different market is unaffected.
	_, err = mgr.Initialize(context.Background(), "m2", []string{"A", "B"})
	assert.NoError(t, err)

	unlock()
	_, err = mgr.Initialize(context.Background(), "m1", []string{"A", "B"})
	assert.NoError(t, err)
}

func TestApplyCorrectionCommitsValidDistribution(t *testing.T) {
	mgr, store, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Initialize(ctx, "m1", []string{"A", "B"})
	require.NoError(t, err)

	state, err := mgr.ApplyCorrection(ctx, "m1", map[string]float64{"A": 0.8, "B": 0.2})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, state.Probabilities["A"], 1e-9)

	snaps, err := store.ListSnapshots(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestApplyCorrectionRejectsEmpty(t *testing.T) {
	mgr, _, _ := newTestManager()

	_, err := mgr.ApplyCorrection(context.Background(), "m1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestApplyCorrectionRenormalizes(t *testing.T) {
	mgr, _, _ := newTestManager()

	_, err := mgr.Initialize(context.Background(), "m1", []string{"A", "B"})
	require.NoError(t, err)

	// Corrected values that do not sum to one are renormalized before commit.
	state, err := mgr.ApplyCorrection(context.Background(), "m1", map[string]float64{"A": 2, "B": 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, state.Probabilities["A"], 1e-9)
	assert.InDelta(t, 0.5, state.Probabilities["B"], 1e-9)
}

func TestApplyCorrectionRejectsStaleOutcomeSet(t *testing.T) {
	mgr, store, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Initialize(ctx, "m1", []string{"A", "B", "C"})
	require.NoError(t, err)
	_, err = mgr.RemoveOutcome(ctx, "m1", "C")
	require.NoError(t, err)
	before, err := store.GetCurrent(ctx, "m1")
	require.NoError(t, err)

	// A correction computed over the pre-removal outcome set must not land.
	_, err = mgr.ApplyCorrection(ctx, "m1", map[string]float64{"A": 0.5, "B": 0.3, "C": 0.2})
	var ive *domain.InvariantViolationError
	require.ErrorAs(t, err, &ive)

	after, err := store.GetCurrent(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, before.Probabilities, after.Probabilities)
	assert.NotContains(t, after.Probabilities, "C")
}

func TestFloorAndRenormalize(t *testing.T) {
	out := floorAndRenormalize(map[string]float64{"A": 0.9995, "B": 0.0005})
	assert.InDelta(t, domain.FloorProbability, out["B"], 1e-12)
	assert.InDelta(t, 1.0, out["A"]+out["B"], 1e-9)

	// All entries under the floor degrade to uniform.
	out = floorAndRenormalize(map[string]float64{"A": 0.0001, "B": 0.0002})
	assert.InDelta(t, 0.5, out["A"], 1e-12)
	assert.InDelta(t, 0.5, out["B"], 1e-12)
}
