package domain

import "context"

// Ledger is the port to the external balance/wallet system. The core never
// implements real money movement; it hands instructions to this interface
// and treats the call as synchronous — an order does not exist until its
// freeze is confirmed.
type Ledger interface {
	// Freeze reserves amount from the user's available balance. Returns
	// ErrInsufficientBalance without side effects when the balance does not
	// cover the amount.
	Freeze(ctx context.Context, userID string, amount float64) error

	// Release returns previously frozen funds to the user's available
	// balance.
	Release(ctx context.Context, userID string, amount float64) error

	// Transfer moves amount from the payer's frozen funds to the payee's
	// available balance. Used per trade: buyer pays price x qty.
	Transfer(ctx context.Context, from, to string, amount float64) error

	// Credit adds amount to the user's available balance from the house
	// account. Used for settlement payouts and AMM sale proceeds.
	Credit(ctx context.Context, userID string, amount float64) error
}
