package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// depthTTL bounds how long a stale snapshot can outlive its last publisher.
const depthTTL = 5 * time.Minute

// DepthCache implements domain.DepthCache storing the latest published depth
// snapshot per (market, outcome) as JSON. The matching engine's in-process
// book stays authoritative; this cache serves cross-process readers.
type DepthCache struct {
	rdb *redis.Client
}

// NewDepthCache creates a DepthCache backed by the given Client.
func NewDepthCache(c *Client) *DepthCache {
	return &DepthCache{rdb: c.Underlying()}
}

func depthKey(marketID string, outcome int) string {
	return "depth:" + marketID + ":" + strconv.Itoa(outcome)
}

// SetSnapshot stores the snapshot, replacing any previous one.
func (dc *DepthCache) SetSnapshot(ctx context.Context, marketID string, outcome int, snap domain.DepthSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal depth snapshot: %w", err)
	}
	if err := dc.rdb.Set(ctx, depthKey(marketID, outcome), data, depthTTL).Err(); err != nil {
		return fmt.Errorf("redis: set depth snapshot %s/%d: %w", marketID, outcome, err)
	}
	return nil
}

// GetSnapshot returns the latest stored snapshot, or domain.ErrNotFound when
// none has been published.
func (dc *DepthCache) GetSnapshot(ctx context.Context, marketID string, outcome int) (domain.DepthSnapshot, error) {
	data, err := dc.rdb.Get(ctx, depthKey(marketID, outcome)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.DepthSnapshot{}, domain.ErrNotFound
		}
		return domain.DepthSnapshot{}, fmt.Errorf("redis: get depth snapshot %s/%d: %w", marketID, outcome, err)
	}

	var snap domain.DepthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.DepthSnapshot{}, fmt.Errorf("redis: unmarshal depth snapshot: %w", err)
	}
	return snap, nil
}

// Invalidate removes the stored snapshot, e.g. after settlement clears the
// book.
func (dc *DepthCache) Invalidate(ctx context.Context, marketID string, outcome int) error {
	if err := dc.rdb.Del(ctx, depthKey(marketID, outcome)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate depth snapshot %s/%d: %w", marketID, outcome, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.DepthCache = (*DepthCache)(nil)
