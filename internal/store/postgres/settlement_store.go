package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL. The
// unique market_id constraint on settlement_batches is what makes settlement
// once-only across processes.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// CreateBatch writes the batch and all its claims in one transaction. A
// batch already existing for the market fails with ErrAlreadySettled.
func (s *SettlementStore) CreateBatch(ctx context.Context, b domain.SettlementBatch, claims []domain.SettlementClaim) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin settlement tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO settlement_batches (
			id, market_id, winning_outcome, total_claims,
			total_payout, total_fees, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_id) DO NOTHING`,
		b.ID, b.MarketID, b.WinningOutcome, b.TotalClaims,
		b.TotalPayout, b.TotalFees, b.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert settlement batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadySettled
	}

	for _, c := range claims {
		if _, err := tx.Exec(ctx, `
			INSERT INTO settlement_claims (
				id, batch_id, user_id, market_id, outcome,
				quantity, gross_payout, fee, net_payout, created_at, credited_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.ID, c.BatchID, c.UserID, c.MarketID, c.Outcome,
			c.Quantity, c.GrossPayout, c.Fee, c.NetPayout, c.CreatedAt, c.CreditedAt,
		); err != nil {
			return fmt.Errorf("postgres: insert settlement claim %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settlement batch: %w", err)
	}
	return nil
}

// GetBatchByMarket returns the settlement batch for a market, or ErrNotFound.
func (s *SettlementStore) GetBatchByMarket(ctx context.Context, marketID string) (domain.SettlementBatch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, market_id, winning_outcome, total_claims,
		       total_payout, total_fees, completed_at
		FROM settlement_batches WHERE market_id = $1`, marketID)

	var b domain.SettlementBatch
	err := row.Scan(&b.ID, &b.MarketID, &b.WinningOutcome, &b.TotalClaims,
		&b.TotalPayout, &b.TotalFees, &b.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementBatch{}, domain.ErrNotFound
		}
		return domain.SettlementBatch{}, fmt.Errorf("postgres: get settlement batch: %w", err)
	}
	return b, nil
}

// ListClaims returns the claims of a batch.
func (s *SettlementStore) ListClaims(ctx context.Context, batchID string) ([]domain.SettlementClaim, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, user_id, market_id, outcome,
		       quantity, gross_payout, fee, net_payout, created_at, credited_at
		FROM settlement_claims WHERE batch_id = $1 ORDER BY user_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlement claims: %w", err)
	}
	defer rows.Close()

	var claims []domain.SettlementClaim
	for rows.Next() {
		var c domain.SettlementClaim
		if err := rows.Scan(&c.ID, &c.BatchID, &c.UserID, &c.MarketID, &c.Outcome,
			&c.Quantity, &c.GrossPayout, &c.Fee, &c.NetPayout, &c.CreatedAt, &c.CreditedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan settlement claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// MarkClaimCredited stamps a claim as paid.
func (s *SettlementStore) MarkClaimCredited(ctx context.Context, claimID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_claims SET credited_at = $2 WHERE id = $1`, claimID, at)
	if err != nil {
		return fmt.Errorf("postgres: mark claim credited %s: %w", claimID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
