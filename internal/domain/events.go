package domain

import "time"

// OrderEventKind labels a state-changing event on an order.
type OrderEventKind string

const (
	OrderEventPlaced          OrderEventKind = "placed"
	OrderEventFill            OrderEventKind = "fill"
	OrderEventCancelRequested OrderEventKind = "cancel_requested"
	OrderEventCancelled       OrderEventKind = "cancelled"
	OrderEventExpired         OrderEventKind = "expired"
	OrderEventTriggered       OrderEventKind = "triggered"
)

// OrderEvent is one entry in an order's change log. Every event carries the
// global sequence number assigned inside the same critical section that
// committed the change, so the log totally orders fills, cancels, and
// expiries across the whole system.
type OrderEvent struct {
	OrderID  string
	Kind     OrderEventKind
	Quantity float64 // filled or cancelled quantity for fill/cancel events
	Price    float64 // execution price for fill events
	Status   OrderStatus
	Sequence uint64
	At       time.Time
}

// CancelRecord is the durable record a signed cancellation confirmation is
// issued against.
type CancelRecord struct {
	ID                string
	OrderID           string
	CancelledQuantity float64
	Sequence          uint64
	At                time.Time
}

// Pub/sub channels for core events. Delivery to UIs or notification
// pipelines is out of scope; the core only publishes.
const (
	ChannelBookChanged   = "ch:book"
	ChannelOrderFilled   = "ch:fill"
	ChannelOrderCancel   = "ch:cancel"
	ChannelMarketSettled = "ch:settle"
)

// BookChangedEvent is published whenever resting liquidity changes.
type BookChangedEvent struct {
	MarketID string    `json:"market_id"`
	Outcome  int       `json:"outcome"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
}

// OrderFilledEvent is published once per trade for each affected order.
type OrderFilledEvent struct {
	OrderID  string    `json:"order_id"`
	MarketID string    `json:"market_id"`
	Outcome  int       `json:"outcome"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Status   string    `json:"status"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
}

// MarketSettledEvent is published after a settlement batch commits.
type MarketSettledEvent struct {
	MarketID       string    `json:"market_id"`
	BatchID        string    `json:"batch_id"`
	WinningOutcome int       `json:"winning_outcome"`
	TotalPayout    float64   `json:"total_payout"`
	At             time.Time `json:"at"`
}
