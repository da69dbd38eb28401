package domain

import "errors"

var (
	ErrInvalidPrice         = errors.New("invalid price")
	ErrOrderTooSmall        = errors.New("order below minimum size")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientShares   = errors.New("insufficient shares")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateIdempotency = errors.New("idempotency key already used")
	ErrMarketNotFound       = errors.New("market not found")
	ErrMarketClosed         = errors.New("market closed for trading")
	ErrAlreadySettled       = errors.New("market already settled")
	ErrNotResolved          = errors.New("market not resolved")
	ErrAlreadyResolved      = errors.New("market already resolved")
	ErrUnfillable           = errors.New("order cannot be filled in full")
	ErrConcurrencyConflict  = errors.New("concurrent modification, retry")
	ErrRateLimited          = errors.New("rate limited")
	ErrLockHeld             = errors.New("lock already held")
	ErrNotFound             = errors.New("not found")
)
