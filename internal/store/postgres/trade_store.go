package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Trades are an
// append-only tape; rows are never updated or deleted.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Insert appends a trade to the tape.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, market_id, outcome, maker_order_id, taker_order_id,
			maker_user_id, taker_user_id, price, quantity, sequence, executed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.MarketID, t.Outcome, t.MakerOrderID, t.TakerOrderID,
		t.MakerUserID, t.TakerUserID, t.Price, t.Quantity, int64(t.Sequence), t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByMarket returns a market's trades, newest first, with pagination.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `
		SELECT id, market_id, outcome, maker_order_id, taker_order_id,
		       maker_user_id, taker_user_id, price, quantity, sequence, executed_at
		FROM trades WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at DESC"

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
		return nil, fmt.Errorf("postgres: list trades by market: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var seq int64
		if err := rows.Scan(
			&t.ID, &t.MarketID, &t.Outcome, &t.MakerOrderID, &t.TakerOrderID,
			&t.MakerUserID, &t.TakerUserID, &t.Price, &t.Quantity, &seq, &t.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Sequence = uint64(seq)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
