package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, market_id, outcome, user_id, side, order_type, tif,
			price, quantity, filled_quantity, cancelled_quantity,
			display_quantity, trigger_price, trailing_offset,
			frozen_remaining, idempotency_key, sequence, status,
			expires_at, created_at, updated_at, filled_at, cancelled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.MarketID, o.Outcome, o.UserID,
		string(o.Side), string(o.Type), string(o.TIF),
		o.Price, o.Quantity, o.FilledQuantity, o.CancelledQuantity,
		o.DisplayQuantity, o.TriggerPrice, o.TrailingOffset,
		o.FrozenRemaining, o.IdempotencyKey, int64(o.Sequence), string(o.Status),
		o.ExpiresAt, o.CreatedAt, o.UpdatedAt, o.FilledAt, o.CancelledAt,
	)
	if err != nil {
		// 23505 on the idempotency index means a concurrent placement with
		// the same key already committed.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" &&
			pgErr.ConstraintName == "idx_orders_idempotency" {
			return domain.ErrDuplicateIdempotency
		}
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// Update writes the mutable fields of an order: fill and cancel progress,
// freeze, sequence, status, and lifecycle timestamps.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			filled_quantity = $1, cancelled_quantity = $2,
			frozen_remaining = $3, sequence = $4, status = $5,
			updated_at = $6, filled_at = $7, cancelled_at = $8
		WHERE id = $9`

	tag, err := s.pool.Exec(ctx, query,
		o.FilledQuantity, o.CancelledQuantity,
		o.FrozenRemaining, int64(o.Sequence), string(o.Status),
		o.UpdatedAt, o.FilledAt, o.CancelledAt, o.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

const orderSelectCols = `id, market_id, outcome, user_id, side, order_type, tif,
	price, quantity, filled_quantity, cancelled_quantity,
	display_quantity, trigger_price, trailing_offset,
	frozen_remaining, idempotency_key, sequence, status,
	expires_at, created_at, updated_at, filled_at, cancelled_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, orderType, tif, status string
	var seq int64
	var idemKey *string

	err := scanner.Scan(
		&o.ID, &o.MarketID, &o.Outcome, &o.UserID,
		&side, &orderType, &tif,
		&o.Price, &o.Quantity, &o.FilledQuantity, &o.CancelledQuantity,
		&o.DisplayQuantity, &o.TriggerPrice, &o.TrailingOffset,
		&o.FrozenRemaining, &idemKey, &seq, &status,
		&o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt, &o.FilledAt, &o.CancelledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.TIF = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.Sequence = uint64(seq)
	if idemKey != nil {
		o.IdempotencyKey = *idemKey
	}
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// GetByIdempotencyKey returns the order a user previously placed with the
// given key, or ErrOrderNotFound.
func (s *OrderStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE user_id = $1 AND idempotency_key = $2`, userID, key)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order by idempotency key: %w", err)
	}
	return o, nil
}

// ListOpenByMarket returns every non-terminal order on a market, oldest
// first so book restoration preserves time priority.
func (s *OrderStore) ListOpenByMarket(ctx context.Context, marketID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE market_id = $1 AND status IN ('open', 'partially_filled', 'cancelling')
		 ORDER BY created_at ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders by market: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open orders: %w", err)
	}
	return orders, nil
}

// ListOpenByUser returns a user's non-terminal orders, newest first.
func (s *OrderStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE user_id = $1 AND status IN ('open', 'partially_filled', 'cancelling')
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders by user: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open orders: %w", err)
	}
	return orders, nil
}
