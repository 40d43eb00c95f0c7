package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL. The full
// result is kept as JSONB; pool and fee are duplicated into numeric columns
// for reporting queries.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Save inserts a result. An existing row for the market is left untouched.
func (s *SettlementStore) Save(ctx context.Context, res domain.SettlementResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("postgres: marshal settlement %s: %w", res.MarketID, err)
	}

	const query = `
		INSERT INTO settlements (
			market_id, outcome, total_pool, platform_fee, has_proof, result, settled_at
		) VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5, $6, $7)
		ON CONFLICT (market_id) DO NOTHING`

	_, err = s.pool.Exec(ctx, query,
		string(res.MarketID), res.Outcome,
		decString(res.TotalPool), decString(res.PlatformFee),
		res.Proof != nil, body, res.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save settlement %s: %w", res.MarketID, err)
	}
	return nil
}

const settlementCols = `result, finalized, tx_hash, finalized_at`

// Get returns the stored record or domain.ErrNotFound.
func (s *SettlementStore) Get(ctx context.Context, marketID domain.MarketID) (domain.SettlementRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settlementCols+` FROM settlements WHERE market_id = $1`, string(marketID))
	rec, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementRecord{}, domain.ErrNotFound
		}
		return domain.SettlementRecord{}, fmt.Errorf("postgres: get settlement %s: %w", marketID, err)
	}
	return rec, nil
}

// MarkFinalized records the settlement transaction. Finalizing twice keeps
// the first hash.
func (s *SettlementStore) MarkFinalized(ctx context.Context, marketID domain.MarketID, txHash string, at time.Time) error {
	const query = `
		UPDATE settlements
		SET finalized = TRUE,
		    tx_hash = COALESCE(tx_hash, NULLIF($2, '')),
		    finalized_at = COALESCE(finalized_at, $3)
		WHERE market_id = $1`

	tag, err := s.pool.Exec(ctx, query, string(marketID), txHash, at)
	if err != nil {
		return fmt.Errorf("postgres: finalize settlement %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListFinalized returns finalized settlements, newest first.
func (s *SettlementStore) ListFinalized(ctx context.Context, opts domain.ListOpts) ([]domain.SettlementRecord, error) {
	query, args := paged(`SELECT `+settlementCols+` FROM settlements WHERE finalized`, "finalized_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	defer rows.Close()

	var recs []domain.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settlements rows: %w", err)
	}
	return recs, nil
}

func scanSettlement(row pgx.Row) (domain.SettlementRecord, error) {
	var (
		rec         domain.SettlementRecord
		body        []byte
		txHash      *string
		finalizedAt *time.Time
	)
	if err := row.Scan(&body, &rec.Finalized, &txHash, &finalizedAt); err != nil {
		return domain.SettlementRecord{}, err
	}
	if err := json.Unmarshal(body, &rec.Result); err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("unmarshal result: %w", err)
	}
	if txHash != nil {
		rec.TxHash = *txHash
	}
	rec.FinalizedAt = finalizedAt
	return rec, nil
}
