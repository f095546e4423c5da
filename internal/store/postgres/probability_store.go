package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentimarket/probengine/internal/domain"
)

// ProbabilityStore implements domain.ProbabilityStore using PostgreSQL.
// Commit writes the current-state upsert and the snapshot append in one
// transaction so history and state never diverge.
type ProbabilityStore struct {
	pool *pgxpool.Pool
}

// NewProbabilityStore creates a new ProbabilityStore backed by the given
// connection pool.
func NewProbabilityStore(pool *pgxpool.Pool) *ProbabilityStore {
	return &ProbabilityStore{pool: pool}
}

var _ domain.ProbabilityStore = (*ProbabilityStore)(nil)

// GetCurrent returns the current committed distribution for a market.
func (s *ProbabilityStore) GetCurrent(ctx context.Context, marketID string) (domain.ProbabilityState, error) {
	var probsJSON []byte
	state := domain.ProbabilityState{MarketID: marketID}

	err := s.pool.QueryRow(ctx,
		`SELECT probabilities, updated_at FROM probability_states WHERE market_id = $1`,
		marketID,
	).Scan(&probsJSON, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProbabilityState{}, domain.ErrNotFound
		}
		return domain.ProbabilityState{}, fmt.Errorf("postgres: get state for market %s: %w", marketID, err)
	}

	if err := json.Unmarshal(probsJSON, &state.Probabilities); err != nil {
		return domain.ProbabilityState{}, fmt.Errorf("postgres: unmarshal state for market %s: %w", marketID, err)
	}
	return state, nil
}

// Commit upserts the current state and appends the matching snapshot
// atomically, returning the appended snapshot.
func (s *ProbabilityStore) Commit(ctx context.Context, state domain.ProbabilityState) (domain.ProbabilitySnapshot, error) {
	probsJSON, err := json.Marshal(state.Probabilities)
	if err != nil {
		return domain.ProbabilitySnapshot{}, fmt.Errorf("postgres: marshal state for market %s: %w", state.MarketID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ProbabilitySnapshot{}, fmt.Errorf("postgres: begin commit for market %s: %w", state.MarketID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO probability_states (market_id, probabilities, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (market_id) DO UPDATE SET
			probabilities = EXCLUDED.probabilities,
			updated_at    = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, upsert, state.MarketID, probsJSON, state.UpdatedAt); err != nil {
		return domain.ProbabilitySnapshot{}, fmt.Errorf("postgres: upsert state for market %s: %w", state.MarketID, err)
	}

	snap := domain.ProbabilitySnapshot{
		MarketID:      state.MarketID,
		Probabilities: state.Probabilities,
		CreatedAt:     state.UpdatedAt,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO probability_snapshots (market_id, probabilities, created_at)
		 VALUES ($1, $2, $3) RETURNING id`,
		state.MarketID, probsJSON, state.UpdatedAt,
	).Scan(&snap.ID)
	if err != nil {
		return domain.ProbabilitySnapshot{}, fmt.Errorf("postgres: append snapshot for market %s: %w", state.MarketID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ProbabilitySnapshot{}, fmt.Errorf("postgres: commit state for market %s: %w", state.MarketID, err)
	}
	return snap, nil
}

func scanSnapshots(rows pgx.Rows) ([]domain.ProbabilitySnapshot, error) {
	var snaps []domain.ProbabilitySnapshot
	for rows.Next() {
		var snap domain.ProbabilitySnapshot
		var probsJSON []byte
		if err := rows.Scan(&snap.ID, &snap.MarketID, &probsJSON, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal(probsJSON, &snap.Probabilities); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot %d: %w", snap.ID, err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snaps, nil
}

// ListSnapshots returns a market's snapshots in commit order, oldest first.
func (s *ProbabilityStore) ListSnapshots(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.ProbabilitySnapshot, error) {
	query := `SELECT id, market_id, probabilities, created_at
		FROM probability_snapshots WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots for market %s: %w", marketID, err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots for market %s: %w", marketID, err)
	}
	return snaps, nil
}

// ListSnapshotsBefore returns up to limit snapshots older than the cutoff,
// oldest first, across all markets. Used by the archiver.
func (s *ProbabilityStore) ListSnapshotsBefore(ctx context.Context, before time.Time, limit int) ([]domain.ProbabilitySnapshot, error) {
	query := `SELECT id, market_id, probabilities, created_at
		FROM probability_snapshots WHERE created_at < $1 ORDER BY id ASC`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots before %s: %w", before.Format(time.RFC3339), err)
	}
	return snaps, nil
}

// DeleteSnapshotsBefore removes snapshots older than the cutoff and returns
// the number of rows deleted. Called only after the archiver has persisted
// them to blob storage.
func (s *ProbabilityStore) DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM probability_snapshots WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete snapshots before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}
