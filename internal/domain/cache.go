package domain

import (
	"context"
	"time"
)

// DepthCache stores the latest published depth ladders for cross-process
// readers (the ws hub, dashboards). The in-process book remains the
// authoritative read-after-write view.
type DepthCache interface {
	SetSnapshot(ctx context.Context, marketID string, outcome int, snap DepthSnapshot) error
	GetSnapshot(ctx context.Context, marketID string, outcome int) (DepthSnapshot, error)
	Invalidate(ctx context.Context, marketID string, outcome int) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. Settlement acquires a
// market-wide lock through it for the duration of the batch.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub delivery for core events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
