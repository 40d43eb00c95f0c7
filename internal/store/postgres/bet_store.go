package postgres

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL. Only sealed frames
// are written.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

// Upsert journals the bettor's current frame for a market. A row carrying a
// higher sequence number is not overwritten.
func (s *BetStore) Upsert(ctx context.Context, rec domain.BetRecord) error {
	const query = `
		INSERT INTO bet_journal (market_id, bettor, frame, seq, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_id, bettor) DO UPDATE SET
			frame       = EXCLUDED.frame,
			seq         = EXCLUDED.seq,
			received_at = EXCLUDED.received_at
		WHERE bet_journal.seq <= EXCLUDED.seq`

	_, err := s.pool.Exec(ctx, query,
		string(rec.MarketID), strings.ToLower(rec.Bettor.Hex()),
		rec.Frame, clampSeq(rec.Seq), rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert bet %s/%s: %w", rec.MarketID, rec.Bettor.Hex(), err)
	}
	return nil
}

// ListOpen returns every journaled bet in arrival order.
func (s *BetStore) ListOpen(ctx context.Context) ([]domain.BetRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market_id, bettor, frame, seq, received_at
		FROM bet_journal
		ORDER BY received_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets: %w", err)
	}
	defer rows.Close()

	var recs []domain.BetRecord
	for rows.Next() {
		var (
			rec      domain.BetRecord
			marketID string
			bettor   string
			seq      int64
		)
		if err := rows.Scan(&marketID, &bettor, &rec.Frame, &seq, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		rec.MarketID = domain.MarketID(marketID)
		rec.Bettor = common.HexToAddress(bettor)
		rec.Seq = uint64(seq)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return recs, nil
}

// DeleteMarket drops a finalized market's journal.
func (s *BetStore) DeleteMarket(ctx context.Context, marketID domain.MarketID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bet_journal WHERE market_id = $1`, string(marketID)); err != nil {
		return fmt.Errorf("postgres: delete bets for %s: %w", marketID, err)
	}
	return nil
}

func clampSeq(seq uint64) int64 {
	if seq > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(seq)
}
