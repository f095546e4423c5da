package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentimarket/probengine/internal/domain"
)

// EvidenceStore implements domain.EvidenceStore using PostgreSQL. Accepted
// payloads are journaled verbatim as JSONB so distributions can be audited
// or rebuilt later.
type EvidenceStore struct {
	pool *pgxpool.Pool
}

// NewEvidenceStore creates a new EvidenceStore backed by the given connection pool.
func NewEvidenceStore(pool *pgxpool.Pool) *EvidenceStore {
	return &EvidenceStore{pool: pool}
}

var _ domain.EvidenceStore = (*EvidenceStore)(nil)

// AppendBatch journals every payload of an accepted batch in a single batch
// round trip.
func (s *EvidenceStore) AppendBatch(ctx context.Context, marketID string, payloads []domain.EvidencePayload) error {
	if len(payloads) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO evidence_log (market_id, post_id, payload)
		VALUES ($1, $2, $3)`

	for i, p := range payloads {
		payloadJSON, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("postgres: marshal evidence payload %d: %w", i, err)
		}
		batch.Queue(query, marketID, p.PostID, payloadJSON)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range payloads {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: append evidence batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByMarket returns journaled evidence for a market, oldest first.
func (s *EvidenceStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.EvidenceRecord, error) {
	query := `SELECT id, market_id, post_id, payload, accepted_at
		FROM evidence_log WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND accepted_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND accepted_at <= $%d", argIdx)
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
		return nil, fmt.Errorf("postgres: list evidence for market %s: %w", marketID, err)
	}
	defer rows.Close()

	var records []domain.EvidenceRecord
	for rows.Next() {
		var rec domain.EvidenceRecord
		var payloadJSON []byte
		if err := rows.Scan(&rec.ID, &rec.MarketID, &rec.PostID, &payloadJSON, &rec.AcceptedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan evidence record: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal evidence record %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list evidence rows: %w", err)
	}
	return records, nil
}
