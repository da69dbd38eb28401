package domain

import "time"

// AMMCounterparty is the maker order id recorded on trades filled against
// the automated market maker instead of a resting order.
const AMMCounterparty = "amm"

// Trade is a single execution. Immutable once created.
type Trade struct {
	ID           string
	MarketID     string
	Outcome      int
	MakerOrderID string // resting order, or AMMCounterparty
	TakerOrderID string // aggressing order
	MakerUserID  string
	TakerUserID  string
	Price        float64 // always the resting order's price
	Quantity     float64
	Sequence     uint64
	ExecutedAt   time.Time
}

// Notional returns the cash value of the trade.
func (t Trade) Notional() float64 {
	return t.Price * t.Quantity
}
