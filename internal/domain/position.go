package domain

import "time"

// Position is a user's running share balance in one outcome of one market.
// It is updated transactionally on every trade so settlement never has to
// recompute holdings from the trade tape.
type Position struct {
	UserID   string
	MarketID string
	Outcome  int

	// Quantity is the total shares held, including frozen ones.
	Quantity float64

	// FrozenQuantity is the portion reserved by open sell orders.
	FrozenQuantity float64

	UpdatedAt time.Time
}

// Available returns the shares not reserved by open sell orders.
func (p Position) Available() float64 {
	return p.Quantity - p.FrozenQuantity
}
