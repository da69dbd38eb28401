package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// parkedOrder is a stop_loss/take_profit/trailing_stop order waiting off the
// book for its trigger condition. Parked orders consume no book liquidity
// and are invisible to depth.
type parkedOrder struct {
	orderID string
	side    domain.OrderSide
	typ     domain.OrderType
	trigger float64 // armed trigger price; recomputed for trailing stops
	offset  float64 // trailing distance
	extreme float64 // best price observed since parking (trailing only)
}

func newParked(o domain.Order) *parkedOrder {
	p := &parkedOrder{
		orderID: o.ID,
		side:    o.Side,
		typ:     o.Type,
		trigger: o.TriggerPrice,
		offset:  o.TrailingOffset,
	}
	if o.Type == domain.OrderTypeTrailingStop {
		// Until a price is observed the stop is armed off the order's own
		// trigger price, falling back to the offset from the first tick.
		p.extreme = o.TriggerPrice
	}
	return p
}

func removeParked(parked []*parkedOrder, orderID string) []*parkedOrder {
	for i, p := range parked {
		if p.orderID == orderID {
			return append(parked[:i], parked[i+1:]...)
		}
	}
	return parked
}

// shouldFire evaluates the trigger condition against the last trade price.
func (p *parkedOrder) shouldFire(last float64) bool {
	if last <= 0 {
		return false
	}
	switch p.typ {
	case domain.OrderTypeStopLoss:
		// Sell stop protects a long: fires when the price falls to the
		// trigger. Buy stop mirrors it above the market.
		if p.side == domain.OrderSideSell {
			return last <= p.trigger+epsilon
		}
		return last >= p.trigger-epsilon
	case domain.OrderTypeTakeProfit:
		if p.side == domain.OrderSideSell {
			return last >= p.trigger-epsilon
		}
		return last <= p.trigger+epsilon
	case domain.OrderTypeTrailingStop:
		p.observe(last)
		if p.side == domain.OrderSideSell {
			return last <= p.trigger+epsilon
		}
		return last >= p.trigger-epsilon
	}
	return false
}

// observe ratchets a trailing stop: the trigger follows the best observed
// price at the configured offset and never loosens.
func (p *parkedOrder) observe(last float64) {
	if p.side == domain.OrderSideSell {
		if last > p.extreme {
			p.extreme = last
		}
		if t := p.extreme - p.offset; t > p.trigger {
			p.trigger = t
		}
		return
	}
	if p.extreme == 0 || last < p.extreme {
		p.extreme = last
	}
	if t := p.extreme + p.offset; p.trigger == 0 || t < p.trigger {
		p.trigger = t
	}
}

// sweepTriggersLocked activates parked orders whose condition fired off the
// latest trade price and matches them immediately as aggressors. Caller
// holds mb.mu and the shared market lock.
func (e *Engine) sweepTriggersLocked(ctx context.Context, mb *marketBook, market domain.Market) {
	last := mb.lastPrice
	if last <= 0 || len(mb.parked) == 0 {
		return
	}

	// Collect first: matching an activated order mutates mb.parked through
	// cancelRemainderLocked.
	var fired []*parkedOrder
	remaining := mb.parked[:0]
	for _, p := range mb.parked {
		if p.shouldFire(last) {
			fired = append(fired, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	mb.parked = remaining

	now := time.Now().UTC()
	for _, p := range fired {
		o, err := e.cfg.Orders.GetByID(ctx, p.orderID)
		if err != nil || o.Status.Terminal() || o.Status == domain.OrderStatusCancelling {
			continue
		}

		seq := e.seq.Next()
		o.Sequence = seq
		o.UpdatedAt = now
		if err := e.cfg.Orders.Update(ctx, o); err != nil {
			e.logger.Error("trigger activation update failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := e.cfg.Events.Append(ctx, domain.OrderEvent{
			OrderID:  o.ID,
			Kind:     domain.OrderEventTriggered,
			Price:    last,
			Status:   o.Status,
			Sequence: seq,
			At:       now,
		}); err != nil {
			e.logger.Error("trigger event append failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
		e.logger.Info("trigger fired",
			slog.String("order_id", o.ID),
			slog.String("type", string(o.Type)),
			slog.Float64("last_price", last),
		)

		if _, err := e.matchLocked(ctx, mb, market, o); err != nil {
			e.logger.Error("triggered order match failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
