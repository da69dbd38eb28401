// Package settlement pays out resolved markets. Settlement runs once per
// market under the market-wide exclusive lock: every open order is cancelled
// and released, winning positions are converted to cash at 1.00 per share
// minus the settlement fee, and the market is marked settled.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/engine"
)

const (
	// DefaultFeeRate is the fraction of each gross payout retained by the
	// house when the config does not override it.
	DefaultFeeRate = 0.02

	// WinningShareValue is what one winning share pays before fees.
	WinningShareValue = 1.00

	lockTTL = 30 * time.Second
)

// Archiver exports a completed settlement batch to cold storage. Archival is
// best effort and never blocks or fails a settlement.
type Archiver interface {
	ArchiveSettlement(ctx context.Context, market domain.Market, batch domain.SettlementBatch, claims []domain.SettlementClaim) error
}

// Config bundles the settlement engine's dependencies. Locks, Bus, and
// Archiver are optional.
type Config struct {
	Markets     domain.MarketStore
	Positions   domain.PositionStore
	Settlements domain.SettlementStore
	Ledger      domain.Ledger
	Engine      *engine.Engine
	Locks       domain.LockManager
	Bus         domain.SignalBus
	Archiver    Archiver
	Logger      *slog.Logger
	FeeRate     float64
}

// Engine settles resolved markets.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a settlement Engine.
func New(cfg Config) *Engine {
	if cfg.FeeRate == 0 {
		cfg.FeeRate = DefaultFeeRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "settlement")),
	}
}

// SettleMarket pays out a resolved market. The market must be resolved and
// not yet settled; a second settlement attempt fails with ErrAlreadySettled
// and returns the original batch, so retries after a crash are safe. A retry
// that finds the batch persisted but the pipeline unfinished resumes it:
// claims not yet stamped credited are paid and the market's settled status
// is written before the short-circuit.
func (s *Engine) SettleMarket(ctx context.Context, marketID string) (domain.SettlementBatch, error) {
	market, err := s.cfg.Markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.SettlementBatch{}, err
	}

	if batch, err := s.cfg.Settlements.GetBatchByMarket(ctx, marketID); err == nil {
		if market.Status == domain.MarketStatusSettled {
			return batch, domain.ErrAlreadySettled
		}
		// The batch committed but a crash cut the pipeline short; fall
		// through to the locked path and finish it.
	} else if market.Status != domain.MarketStatusResolved || market.WinningOutcome == nil {
		return domain.SettlementBatch{}, domain.ErrNotResolved
	}

	// Cross-process exclusion first, then the in-process market lock that
	// stops matching and cancellation for the duration of the batch.
	if s.cfg.Locks != nil {
		unlock, err := s.cfg.Locks.Acquire(ctx, "settle:"+marketID, lockTTL)
		if err != nil {
			return domain.SettlementBatch{}, fmt.Errorf("settlement: acquire lock: %w", err)
		}
		defer unlock()
	}
	unlock := s.cfg.Engine.LockMarket(marketID)
	defer unlock()

	// Re-check under the lock: a concurrent settler may have won the race,
	// or a crashed one left the batch without its payouts.
	if batch, err := s.cfg.Settlements.GetBatchByMarket(ctx, marketID); err == nil {
		return s.resumeLocked(ctx, marketID, batch)
	}

	cancelled, err := s.cfg.Engine.CancelAllOpen(ctx, marketID)
	if err != nil {
		return domain.SettlementBatch{}, fmt.Errorf("settlement: cancel open orders: %w", err)
	}

	winning := *market.WinningOutcome
	positions, err := s.cfg.Positions.ListByMarket(ctx, marketID)
	if err != nil {
		return domain.SettlementBatch{}, fmt.Errorf("settlement: list positions: %w", err)
	}

	now := time.Now().UTC()
	batch := domain.SettlementBatch{
		ID:             uuid.NewString(),
		MarketID:       marketID,
		WinningOutcome: winning,
		CompletedAt:    now,
	}
	var claims []domain.SettlementClaim
	for _, pos := range positions {
		if pos.Outcome != winning || pos.Quantity <= 0 {
			continue
		}
		gross := pos.Quantity * WinningShareValue
		fee := gross * s.cfg.FeeRate
		claims = append(claims, domain.SettlementClaim{
			ID:          uuid.NewString(),
			BatchID:     batch.ID,
			UserID:      pos.UserID,
			MarketID:    marketID,
			Outcome:     winning,
			Quantity:    pos.Quantity,
			GrossPayout: gross,
			Fee:         fee,
			NetPayout:   gross - fee,
			CreatedAt:   now,
		})
		batch.TotalClaims++
		batch.TotalPayout += gross
		batch.TotalFees += fee
	}

	// Commit point. Everything before this is reconstructible; everything
	// after is driven off the durable batch.
	if err := s.cfg.Settlements.CreateBatch(ctx, batch, claims); err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			existing, getErr := s.cfg.Settlements.GetBatchByMarket(ctx, marketID)
			if getErr == nil {
				return existing, domain.ErrAlreadySettled
			}
		}
		return domain.SettlementBatch{}, fmt.Errorf("settlement: create batch: %w", err)
	}

	if err := s.completeLocked(ctx, market, batch, claims); err != nil {
		return batch, err
	}

	s.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", marketID),
		slog.String("batch_id", batch.ID),
		slog.Int("winning_outcome", winning),
		slog.Int("claims", batch.TotalClaims),
		slog.Int("orders_cancelled", cancelled),
		slog.Float64("total_payout", batch.TotalPayout),
		slog.Float64("total_fees", batch.TotalFees),
	)
	return batch, nil
}

// completeLocked drives the post-commit pipeline: pay every claim not yet
// stamped credited, mark the market settled, and tear down matching state.
// Each payout is stamped as it lands, so a retry after a failure picks up
// exactly where this stopped. Caller holds the market locks.
func (s *Engine) completeLocked(ctx context.Context, market domain.Market, batch domain.SettlementBatch, claims []domain.SettlementClaim) error {
	now := time.Now().UTC()
	for _, c := range claims {
		if c.CreditedAt != nil {
			continue
		}
		if err := s.cfg.Ledger.Credit(ctx, c.UserID, c.NetPayout); err != nil {
			return fmt.Errorf("settlement: credit %s: %w", c.UserID, err)
		}
		if err := s.cfg.Settlements.MarkClaimCredited(ctx, c.ID, now); err != nil {
			return fmt.Errorf("settlement: mark claim %s credited: %w", c.ID, err)
		}
	}

	if market.Status != domain.MarketStatusSettled {
		market.Status = domain.MarketStatusSettled
		market.UpdatedAt = now
		if err := s.cfg.Markets.Update(ctx, market); err != nil {
			return fmt.Errorf("settlement: mark market settled: %w", err)
		}
	}
	s.cfg.Engine.ClearMarket(market.ID)

	s.publish(ctx, market, batch)
	s.archive(ctx, market, batch, claims)
	return nil
}

// resumeLocked finishes a settlement whose batch committed but whose payout
// pipeline was interrupted. Open orders were already cancelled before the
// batch committed, so only credits and the settled status can be owed.
func (s *Engine) resumeLocked(ctx context.Context, marketID string, batch domain.SettlementBatch) (domain.SettlementBatch, error) {
	market, err := s.cfg.Markets.GetByID(ctx, marketID)
	if err != nil {
		return batch, err
	}
	if market.Status == domain.MarketStatusSettled {
		return batch, domain.ErrAlreadySettled
	}

	claims, err := s.cfg.Settlements.ListClaims(ctx, batch.ID)
	if err != nil {
		return batch, fmt.Errorf("settlement: list claims: %w", err)
	}
	if err := s.completeLocked(ctx, market, batch, claims); err != nil {
		return batch, err
	}
	s.logger.InfoContext(ctx, "settlement resumed",
		slog.String("market_id", marketID),
		slog.String("batch_id", batch.ID),
		slog.Int("claims", batch.TotalClaims),
	)
	return batch, domain.ErrAlreadySettled
}

// Batch returns the settlement batch for a market, or ErrNotFound.
func (s *Engine) Batch(ctx context.Context, marketID string) (domain.SettlementBatch, error) {
	return s.cfg.Settlements.GetBatchByMarket(ctx, marketID)
}

// Claims returns the claims of a batch.
func (s *Engine) Claims(ctx context.Context, batchID string) ([]domain.SettlementClaim, error) {
	return s.cfg.Settlements.ListClaims(ctx, batchID)
}

func (s *Engine) publish(ctx context.Context, market domain.Market, batch domain.SettlementBatch) {
	if s.cfg.Bus == nil {
		return
	}
	payload, err := json.Marshal(domain.MarketSettledEvent{
		MarketID:       market.ID,
		BatchID:        batch.ID,
		WinningOutcome: batch.WinningOutcome,
		TotalPayout:    batch.TotalPayout,
		At:             batch.CompletedAt,
	})
	if err != nil {
		return
	}
	if err := s.cfg.Bus.Publish(ctx, domain.ChannelMarketSettled, payload); err != nil {
		s.logger.WarnContext(ctx, "settled event publish failed",
			slog.String("market_id", market.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Engine) archive(ctx context.Context, market domain.Market, batch domain.SettlementBatch, claims []domain.SettlementClaim) {
	if s.cfg.Archiver == nil {
		return
	}
	if err := s.cfg.Archiver.ArchiveSettlement(ctx, market, batch, claims); err != nil {
		s.logger.WarnContext(ctx, "settlement archive failed",
			slog.String("market_id", market.ID),
			slog.String("batch_id", batch.ID),
			slog.String("error", err.Error()),
		)
	}
}
