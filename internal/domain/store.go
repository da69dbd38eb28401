package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	Update(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
}

// OrderStore persists orders. The matching engine mutates filled quantity
// and status through Update; everything else on an order row is immutable
// after Create.
type OrderStore interface {
	Create(ctx context.Context, o Order) error
	Update(ctx context.Context, o Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	// GetByIdempotencyKey returns the order previously placed with the key,
	// or ErrOrderNotFound.
	GetByIdempotencyKey(ctx context.Context, userID, key string) (Order, error)
	ListOpenByMarket(ctx context.Context, marketID string) ([]Order, error)
	ListOpenByUser(ctx context.Context, userID string) ([]Order, error)
}

// TradeStore persists the immutable trade tape.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Trade, error)
}

// PositionStore maintains the per-user-per-outcome running share balances.
type PositionStore interface {
	Get(ctx context.Context, userID, marketID string, outcome int) (Position, error)
	// Apply adds deltaQty shares (negative to remove) to the position,
	// creating the row on first touch.
	Apply(ctx context.Context, userID, marketID string, outcome int, deltaQty float64) error
	// Freeze reserves qty shares for an open sell order; returns
	// ErrInsufficientShares when the available balance does not cover it.
	Freeze(ctx context.Context, userID, marketID string, outcome int, qty float64) error
	// Release unreserves qty previously frozen shares.
	Release(ctx context.Context, userID, marketID string, outcome int, qty float64) error
	// ConsumeFrozen removes qty shares from both the frozen reserve and the
	// total. Used when a resting sell order fills.
	ConsumeFrozen(ctx context.Context, userID, marketID string, outcome int, qty float64) error
	ListByMarket(ctx context.Context, marketID string) ([]Position, error)
}

// SettlementStore persists settlement batches and claims.
type SettlementStore interface {
	// CreateBatch writes the batch and all its claims as one unit.
	CreateBatch(ctx context.Context, b SettlementBatch, claims []SettlementClaim) error
	GetBatchByMarket(ctx context.Context, marketID string) (SettlementBatch, error)
	ListClaims(ctx context.Context, batchID string) ([]SettlementClaim, error)
	// MarkClaimCredited records that a claim's payout landed, so a retry
	// after a crash never pays it twice.
	MarkClaimCredited(ctx context.Context, claimID string, at time.Time) error
}

// EventStore persists order change logs and cancellation records for the
// reconciliation service.
type EventStore interface {
	Append(ctx context.Context, ev OrderEvent) error
	// ListSince returns the order's events with sequence > afterSeq in
	// ascending sequence order.
	ListSince(ctx context.Context, orderID string, afterSeq uint64) ([]OrderEvent, error)
	// MaxSequence returns the highest sequence number ever assigned, for
	// counter recovery at boot.
	MaxSequence(ctx context.Context) (uint64, error)
	CreateCancelRecord(ctx context.Context, rec CancelRecord) error
	GetCancelRecord(ctx context.Context, id string) (CancelRecord, error)
}
