package domain

import (
	"fmt"
	"math"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "active"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
	MarketStatusSettled   MarketStatus = "settled"
)

// PriceSumTolerance is the maximum allowed deviation of the sum of all
// outcome prices from 1.0. Creations and updates beyond it are rejected.
const PriceSumTolerance = 0.05

// Market is a multi-outcome prediction market. Binary markets use the
// outcome set ["Yes","No"].
type Market struct {
	ID             string
	Question       string
	Slug           string
	Outcomes       []string
	Prices         []float64 // current price per outcome, index-aligned with Outcomes
	LiquidityB     float64   // LMSR liquidity parameter
	AMMEnabled     bool      // whether unmatched remainders may fill against the AMM
	Status         MarketStatus
	WinningOutcome *int
	ResolvedAt     *time.Time
	ClosedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ValidatePrices checks that every outcome price is in (0,1) and that the
// prices sum to 1.0 within PriceSumTolerance.
func (m Market) ValidatePrices() error {
	if len(m.Prices) != len(m.Outcomes) {
		return fmt.Errorf("market %s: %d prices for %d outcomes: %w",
			m.ID, len(m.Prices), len(m.Outcomes), ErrInvalidPrice)
	}
	sum := 0.0
	for i, p := range m.Prices {
		if p <= 0 || p >= 1 {
			return fmt.Errorf("market %s: outcome %d price %.4f out of (0,1): %w",
				m.ID, i, p, ErrInvalidPrice)
		}
		sum += p
	}
	if math.Abs(sum-1.0) > PriceSumTolerance {
		return fmt.Errorf("market %s: outcome prices sum to %.4f: %w",
			m.ID, sum, ErrInvalidPrice)
	}
	return nil
}

// Tradable reports whether the market currently accepts orders.
func (m Market) Tradable() bool {
	return m.Status == MarketStatusActive
}

// OutcomeValid reports whether idx addresses one of the market's outcomes.
func (m Market) OutcomeValid(idx int) bool {
	return idx >= 0 && idx < len(m.Outcomes)
}
