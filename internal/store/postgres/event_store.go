package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL: the per-order
// change logs and cancel records the reconciliation service reads.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append writes one order event.
func (s *EventStore) Append(ctx context.Context, ev domain.OrderEvent) error {
	const query = `
		INSERT INTO order_events (order_id, kind, quantity, price, status, sequence, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		ev.OrderID, string(ev.Kind), ev.Quantity, ev.Price,
		string(ev.Status), int64(ev.Sequence), ev.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: append order event: %w", err)
	}
	return nil
}

// ListSince returns an order's events with sequence > afterSeq, ascending.
func (s *EventStore) ListSince(ctx context.Context, orderID string, afterSeq uint64) ([]domain.OrderEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, kind, quantity, price, status, sequence, at
		FROM order_events
		WHERE order_id = $1 AND sequence > $2
		ORDER BY sequence ASC`, orderID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("postgres: list order events: %w", err)
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		var ev domain.OrderEvent
		var kind, status string
		var seq int64
		if err := rows.Scan(&ev.OrderID, &kind, &ev.Quantity, &ev.Price, &status, &seq, &ev.At); err != nil {
			return nil, fmt.Errorf("postgres: scan order event: %w", err)
		}
		ev.Kind = domain.OrderEventKind(kind)
		ev.Status = domain.OrderStatus(status)
		ev.Sequence = uint64(seq)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MaxSequence returns the highest sequence ever assigned, for counter
// recovery at boot.
func (s *EventStore) MaxSequence(ctx context.Context) (uint64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM order_events`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("postgres: max sequence: %w", err)
	}
	return uint64(max), nil
}

// CreateCancelRecord writes the durable record confirmations are issued
// against.
func (s *EventStore) CreateCancelRecord(ctx context.Context, rec domain.CancelRecord) error {
	const query = `
		INSERT INTO cancel_records (id, order_id, cancelled_quantity, sequence, at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.OrderID, rec.CancelledQuantity, int64(rec.Sequence), rec.At)
	if err != nil {
		return fmt.Errorf("postgres: create cancel record %s: %w", rec.ID, err)
	}
	return nil
}

// GetCancelRecord returns a cancel record by id, or ErrNotFound.
func (s *EventStore) GetCancelRecord(ctx context.Context, id string) (domain.CancelRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, order_id, cancelled_quantity, sequence, at
		FROM cancel_records WHERE id = $1`, id)

	var rec domain.CancelRecord
	var seq int64
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.CancelledQuantity, &seq, &rec.At)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CancelRecord{}, domain.ErrNotFound
		}
		return domain.CancelRecord{}, fmt.Errorf("postgres: get cancel record %s: %w", id, err)
	}
	rec.Sequence = uint64(seq)
	return rec, nil
}
