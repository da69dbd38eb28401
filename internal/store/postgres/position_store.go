package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Freeze and
// ConsumeFrozen guard their balance checks inside the UPDATE predicate, so
// concurrent callers cannot both reserve the same shares.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Get returns one position; a never-touched position is all zeros.
func (s *PositionStore) Get(ctx context.Context, userID, marketID string, outcome int) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, market_id, outcome, quantity, frozen_quantity, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome = $3`,
		userID, marketID, outcome)

	var p domain.Position
	err := row.Scan(&p.UserID, &p.MarketID, &p.Outcome, &p.Quantity, &p.FrozenQuantity, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{UserID: userID, MarketID: marketID, Outcome: outcome}, nil
		}
		return domain.Position{}, fmt.Errorf("postgres: get position: %w", err)
	}
	return p, nil
}

// Apply adds deltaQty shares to the position, creating the row on first
// touch.
func (s *PositionStore) Apply(ctx context.Context, userID, marketID string, outcome int, deltaQty float64) error {
	const query = `
		INSERT INTO positions (user_id, market_id, outcome, quantity, frozen_quantity, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW())
		ON CONFLICT (user_id, market_id, outcome)
		DO UPDATE SET quantity = positions.quantity + $4, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, userID, marketID, outcome, deltaQty); err != nil {
		return fmt.Errorf("postgres: apply position delta: %w", err)
	}
	return nil
}

// Freeze reserves qty shares for an open sell order. The available balance
// check runs inside the UPDATE so a concurrent freeze cannot double-spend.
func (s *PositionStore) Freeze(ctx context.Context, userID, marketID string, outcome int, qty float64) error {
	const query = `
		UPDATE positions
		SET frozen_quantity = frozen_quantity + $4, updated_at = NOW()
		WHERE user_id = $1 AND market_id = $2 AND outcome = $3
		  AND quantity - frozen_quantity >= $4`

	tag, err := s.pool.Exec(ctx, query, userID, marketID, outcome, qty)
	if err != nil {
		return fmt.Errorf("postgres: freeze shares: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: freeze %.2f shares for %s: %w", qty, userID, domain.ErrInsufficientShares)
	}
	return nil
}

// Release unreserves qty previously frozen shares.
func (s *PositionStore) Release(ctx context.Context, userID, marketID string, outcome int, qty float64) error {
	const query = `
		UPDATE positions
		SET frozen_quantity = GREATEST(frozen_quantity - $4, 0), updated_at = NOW()
		WHERE user_id = $1 AND market_id = $2 AND outcome = $3`

	tag, err := s.pool.Exec(ctx, query, userID, marketID, outcome, qty)
	if err != nil {
		return fmt.Errorf("postgres: release shares: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ConsumeFrozen removes qty shares from both the frozen reserve and the
// total. Used when a resting sell order fills.
func (s *PositionStore) ConsumeFrozen(ctx context.Context, userID, marketID string, outcome int, qty float64) error {
	const query = `
		UPDATE positions
		SET quantity = quantity - $4,
		    frozen_quantity = frozen_quantity - $4,
		    updated_at = NOW()
		WHERE user_id = $1 AND market_id = $2 AND outcome = $3
		  AND frozen_quantity >= $4`

	tag, err := s.pool.Exec(ctx, query, userID, marketID, outcome, qty)
	if err != nil {
		return fmt.Errorf("postgres: consume frozen shares: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: consume %.2f frozen shares for %s: %w", qty, userID, domain.ErrInsufficientShares)
	}
	return nil
}

// ListByMarket returns every position on a market.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, outcome, quantity, frozen_quantity, updated_at
		 FROM positions WHERE market_id = $1 ORDER BY user_id, outcome`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by market: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.Outcome, &p.Quantity, &p.FrozenQuantity, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
