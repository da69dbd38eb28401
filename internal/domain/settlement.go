package domain

import "time"

// SettlementClaim is one holder's payout for winning-outcome shares at
// resolution time.
type SettlementClaim struct {
	ID          string
	BatchID     string
	UserID      string
	MarketID    string
	Outcome     int
	Quantity    float64 // winning shares held
	GrossPayout float64 // Quantity x 1.00
	Fee         float64
	NetPayout   float64
	CreatedAt   time.Time

	// CreditedAt is set once the payout reached the holder's balance.
	// A claim persisted without it marks a payout still owed, which a
	// settlement retry resumes.
	CreditedAt *time.Time
}

// SettlementBatch summarizes one market resolution event. A market is
// settled at most once.
type SettlementBatch struct {
	ID             string
	MarketID       string
	WinningOutcome int
	TotalClaims    int
	TotalPayout    float64 // sum of gross payouts
	TotalFees      float64
	CompletedAt    time.Time
}
