package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType distinguishes how an order interacts with the book.
type OrderType string

const (
	OrderTypeLimit        OrderType = "limit"
	OrderTypeMarket       OrderType = "market"
	OrderTypeStopLoss     OrderType = "stop_loss"
	OrderTypeTakeProfit   OrderType = "take_profit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
	OrderTypeIceberg      OrderType = "iceberg"
)

// TimeInForce is the order's time-in-force policy.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good-Till-Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate-Or-Cancel
	TIFFOK TimeInForce = "FOK" // Fill-Or-Kill
	TIFDay TimeInForce = "DAY" // expires at end of trading day
	TIFGTD TimeInForce = "GTD" // Good-Till-Date
)

// OrderStatus tracks the order lifecycle.
//
// pending -> open -> partially_filled -> filled
//
//	open -> cancelling -> cancelled
//	open -> expired (DAY/GTD past deadline)
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelling      OrderStatus = "cancelling"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Valid limit price bounds. 0.00 and 1.00 represent certainty and are
// forbidden because they collapse the matching math.
const (
	MinPrice = 0.01
	MaxPrice = 0.99
)

// Order is a request to buy or sell shares of one outcome of a market.
type Order struct {
	ID       string
	MarketID string
	Outcome  int
	UserID   string
	Side     OrderSide
	Type     OrderType
	TIF      TimeInForce

	Price    float64 // limit price; unset for market orders
	Quantity float64 // requested quantity, immutable after placement

	// FilledQuantity is monotonically non-decreasing and never exceeds
	// Quantity. CancelledQuantity is the remainder released by a cancel or
	// expiry.
	FilledQuantity    float64
	CancelledQuantity float64

	// DisplayQuantity is the visible tranche of an iceberg order. Zero for
	// every other order type.
	DisplayQuantity float64

	// TriggerPrice arms stop_loss/take_profit orders; TrailingOffset arms
	// trailing_stop orders (distance maintained from the best observed
	// price).
	TriggerPrice   float64
	TrailingOffset float64

	// FrozenRemaining is what is still frozen for this order: funds for a
	// buy, shares for a sell. Decreases with each fill and is released on
	// terminal transitions.
	FrozenRemaining float64

	// IdempotencyKey deduplicates placement. A duplicate key returns the
	// original order instead of creating a second one.
	IdempotencyKey string

	// Sequence is the global sequence number of the last state-changing
	// event applied to this order.
	Sequence uint64

	Status      OrderStatus
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
}

// Remaining returns the quantity still unfilled and uncancelled.
func (o Order) Remaining() float64 {
	return o.Quantity - o.FilledQuantity - o.CancelledQuantity
}

// Resting reports whether the order currently occupies book liquidity.
func (o Order) Resting() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}
