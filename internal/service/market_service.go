package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/engine"
)

// DefaultLiquidityB is the LMSR liquidity parameter used when a market is
// created without one.
const DefaultLiquidityB = 100.0

// CreateMarketRequest carries the fields needed to open a market.
type CreateMarketRequest struct {
	Question   string
	Slug       string
	Outcomes   []string
	Prices     []float64 // optional; uniform when empty
	LiquidityB float64   // optional; DefaultLiquidityB when zero
	AMMEnabled bool
}

// MarketService administers market lifecycle: creation, price updates,
// close, and resolution. Settlement of a resolved market is the settlement
// engine's job.
type MarketService struct {
	markets domain.MarketStore
	engine  *engine.Engine
	logger  *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(markets domain.MarketStore, eng *engine.Engine, logger *slog.Logger) *MarketService {
	return &MarketService{
		markets: markets,
		engine:  eng,
		logger:  logger.With(slog.String("component", "market_service")),
	}
}

// CreateMarket validates and persists a new active market and registers it
// with the matching engine. Empty prices default to a uniform distribution.
func (s *MarketService) CreateMarket(ctx context.Context, req CreateMarketRequest) (domain.Market, error) {
	if strings.TrimSpace(req.Question) == "" {
		return domain.Market{}, fmt.Errorf("market_service: question is required")
	}
	if len(req.Outcomes) < 2 {
		return domain.Market{}, fmt.Errorf("market_service: at least two outcomes required, got %d", len(req.Outcomes))
	}
	for i, o := range req.Outcomes {
		if strings.TrimSpace(o) == "" {
			return domain.Market{}, fmt.Errorf("market_service: outcome %d is empty", i)
		}
	}

	prices := req.Prices
	if len(prices) == 0 {
		prices = make([]float64, len(req.Outcomes))
		for i := range prices {
			prices[i] = 1.0 / float64(len(req.Outcomes))
		}
	}
	liquidity := req.LiquidityB
	if liquidity == 0 {
		liquidity = DefaultLiquidityB
	}
	if liquidity < 0 {
		return domain.Market{}, fmt.Errorf("market_service: liquidity parameter must be positive")
	}

	now := time.Now().UTC()
	m := domain.Market{
		ID:         uuid.NewString(),
		Question:   strings.TrimSpace(req.Question),
		Slug:       req.Slug,
		Outcomes:   req.Outcomes,
		Prices:     prices,
		LiquidityB: liquidity,
		AMMEnabled: req.AMMEnabled,
		Status:     domain.MarketStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if m.Slug == "" {
		m.Slug = slugify(m.Question)
	}
	if err := m.ValidatePrices(); err != nil {
		return domain.Market{}, err
	}

	if err := s.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", err)
	}
	if err := s.engine.RegisterMarket(m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: register market: %w", err)
	}

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("slug", m.Slug),
		slog.Int("outcomes", len(m.Outcomes)),
		slog.Bool("amm", m.AMMEnabled),
	)
	return m, nil
}

// UpdatePrices replaces a market's displayed outcome prices. Only active
// markets may be repriced; matched trades and the AMM are unaffected.
func (s *MarketService) UpdatePrices(ctx context.Context, marketID string, prices []float64) (domain.Market, error) {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	if !m.Tradable() {
		return domain.Market{}, domain.ErrMarketClosed
	}
	m.Prices = prices
	m.UpdatedAt = time.Now().UTC()
	if err := m.ValidatePrices(); err != nil {
		return domain.Market{}, err
	}
	if err := s.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: update prices: %w", err)
	}
	return m, nil
}

// CloseMarket stops a market from accepting new orders. Resting orders stay
// on the book until resolution cancels them.
func (s *MarketService) CloseMarket(ctx context.Context, marketID string) (domain.Market, error) {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	if m.Status != domain.MarketStatusActive {
		return domain.Market{}, domain.ErrMarketClosed
	}
	now := time.Now().UTC()
	m.Status = domain.MarketStatusClosed
	m.ClosedAt = &now
	m.UpdatedAt = now
	if err := s.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: close market: %w", err)
	}
	s.logger.InfoContext(ctx, "market closed", slog.String("market_id", m.ID))
	return m, nil
}

// ResolveMarket records the winning outcome. The market must be active or
// closed; resolving twice fails with ErrAlreadyResolved.
func (s *MarketService) ResolveMarket(ctx context.Context, marketID string, winningOutcome int) (domain.Market, error) {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	switch m.Status {
	case domain.MarketStatusActive, domain.MarketStatusClosed:
	case domain.MarketStatusResolved, domain.MarketStatusSettled:
		return domain.Market{}, domain.ErrAlreadyResolved
	default:
		return domain.Market{}, domain.ErrMarketClosed
	}
	if !m.OutcomeValid(winningOutcome) {
		return domain.Market{}, fmt.Errorf("market_service: winning outcome %d out of range: %w",
			winningOutcome, domain.ErrNotFound)
	}

	now := time.Now().UTC()
	m.Status = domain.MarketStatusResolved
	m.WinningOutcome = &winningOutcome
	m.ResolvedAt = &now
	m.UpdatedAt = now
	if m.ClosedAt == nil {
		m.ClosedAt = &now
	}
	if err := s.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: resolve market: %w", err)
	}
	s.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", m.ID),
		slog.Int("winning_outcome", winningOutcome),
	)
	return m, nil
}

// GetMarket returns a market by id.
func (s *MarketService) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	return s.markets.GetByID(ctx, marketID)
}

// ListMarkets returns markets with pagination.
func (s *MarketService) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	return s.markets.List(ctx, opts)
}

// slugify lowercases the question and replaces runs of non-alphanumerics
// with single dashes.
func slugify(q string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(q) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
