// Package service implements the application-facing operations on top of the
// matching engine and the durable stores: order placement and cancellation,
// market administration, and depth queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/engine"
)

const (
	// DefaultMinOrderSize is the smallest accepted order quantity when the
	// config does not override it.
	DefaultMinOrderSize = 10.0

	defaultRateLimit  = 10
	defaultRateWindow = time.Second
)

// PlaceOrderRequest carries everything a caller supplies to place an order.
type PlaceOrderRequest struct {
	MarketID string
	Outcome  int
	UserID   string
	Side     domain.OrderSide
	Type     domain.OrderType
	TIF      domain.TimeInForce

	Price    float64
	Quantity float64

	DisplayQuantity float64
	TriggerPrice    float64
	TrailingOffset  float64

	ExpiresAt      *time.Time
	IdempotencyKey string
}

// OrderService handles the order lifecycle from request to resting or
// matched order. Placement is atomic: funds are frozen before the order row
// exists, and a failed insert rolls the freeze back.
type OrderService struct {
	orders    domain.OrderStore
	markets   domain.MarketStore
	positions domain.PositionStore
	ledger    domain.Ledger
	events    domain.EventStore
	limiter   domain.RateLimiter
	engine    *engine.Engine
	logger    *slog.Logger

	minOrderSize float64
	rateLimit    int
	rateWindow   time.Duration

	// userMu guards userLocks; each user's lock serializes the
	// lookup-freeze-insert section of placement for that user.
	userMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	// syncMatching runs the match inline instead of in a goroutine.
	// Placement responses never wait for matching in production.
	syncMatching bool
}

// NewOrderService creates an OrderService. The rate limiter is optional;
// when nil, placement is not rate limited.
func NewOrderService(
	orders domain.OrderStore,
	markets domain.MarketStore,
	positions domain.PositionStore,
	ledger domain.Ledger,
	events domain.EventStore,
	limiter domain.RateLimiter,
	eng *engine.Engine,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		orders:       orders,
		markets:      markets,
		positions:    positions,
		ledger:       ledger,
		events:       events,
		limiter:      limiter,
		engine:       eng,
		logger:       logger.With(slog.String("component", "order_service")),
		minOrderSize: DefaultMinOrderSize,
		rateLimit:    defaultRateLimit,
		rateWindow:   defaultRateWindow,
		userLocks:    make(map[string]*sync.Mutex),
	}
}

// WithMinOrderSize overrides the minimum accepted order quantity.
func (s *OrderService) WithMinOrderSize(size float64) *OrderService {
	if size > 0 {
		s.minOrderSize = size
	}
	return s
}

// WithRateLimit overrides the per-user placement rate limit.
func (s *OrderService) WithRateLimit(limit int, window time.Duration) *OrderService {
	if limit > 0 && window > 0 {
		s.rateLimit = limit
		s.rateWindow = window
	}
	return s
}

// WithSyncMatching makes PlaceOrder run the match before returning,
// so callers observe fills in the response. Used in paper mode and tests.
func (s *OrderService) WithSyncMatching() *OrderService {
	s.syncMatching = true
	return s
}

// PlaceOrder validates the request, freezes the funds or shares it commits,
// inserts the order, and hands it to the matching engine. The returned order
// reflects the state at insert time; fills land asynchronously unless sync
// matching is enabled.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (domain.Order, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "orders:"+req.UserID, s.rateLimit, s.rateWindow)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order_service: rate limiter: %w", err)
		}
		if !allowed {
			return domain.Order{}, domain.ErrRateLimited
		}
	}

	market, err := s.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.validate(market, &req); err != nil {
		return domain.Order{}, err
	}

	order, replayed, err := s.insertOrder(ctx, req)
	if err != nil {
		return domain.Order{}, err
	}
	if replayed {
		// Idempotent replay returns the original order untouched.
		return order, nil
	}
	if err := s.events.Append(ctx, domain.OrderEvent{
		OrderID:  order.ID,
		Kind:     domain.OrderEventPlaced,
		Quantity: order.Quantity,
		Price:    order.Price,
		Status:   order.Status,
		Sequence: order.Sequence,
		At:       order.CreatedAt,
	}); err != nil {
		s.logger.WarnContext(ctx, "placed event append failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID),
		slog.String("market_id", order.MarketID),
		slog.Int("outcome", order.Outcome),
		slog.String("side", string(order.Side)),
		slog.String("type", string(order.Type)),
		slog.Float64("price", order.Price),
		slog.Float64("quantity", order.Quantity),
	)

	if s.syncMatching {
		matched, err := s.engine.Submit(ctx, order.ID)
		if err != nil {
			return order, fmt.Errorf("order_service: match: %w", err)
		}
		return matched, nil
	}

	// Matching is fire-and-forget; the caller polls or subscribes for fills.
	go func() {
		bg := context.WithoutCancel(ctx)
		if _, err := s.engine.Submit(bg, order.ID); err != nil {
			s.logger.Error("async match failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return order, nil
}

// userLock returns the mutex serializing one user's placements.
func (s *OrderService) userLock(userID string) *sync.Mutex {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	mu, ok := s.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.userLocks[userID] = mu
	}
	return mu
}

// insertOrder runs the indivisible part of placement under the user's lock:
// idempotency lookup, freeze, and insert. A duplicate key, whether seen at
// lookup or surfaced by the store's unique constraint, yields the original
// order with replayed=true and no second freeze.
func (s *OrderService) insertOrder(ctx context.Context, req PlaceOrderRequest) (domain.Order, bool, error) {
	mu := s.userLock(req.UserID)
	mu.Lock()
	defer mu.Unlock()

	if req.IdempotencyKey != "" {
		existing, err := s.orders.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, false, fmt.Errorf("order_service: idempotency lookup: %w", err)
		}
	}

	now := time.Now().UTC()
	order := domain.Order{
		ID:              uuid.NewString(),
		MarketID:        req.MarketID,
		Outcome:         req.Outcome,
		UserID:          req.UserID,
		Side:            req.Side,
		Type:            req.Type,
		TIF:             req.TIF,
		Price:           req.Price,
		Quantity:        req.Quantity,
		DisplayQuantity: req.DisplayQuantity,
		TriggerPrice:    req.TriggerPrice,
		TrailingOffset:  req.TrailingOffset,
		IdempotencyKey:  req.IdempotencyKey,
		Status:          domain.OrderStatusPending,
		ExpiresAt:       req.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Freeze before insert so no order row ever exists without its backing
	// funds or shares reserved.
	frozen, err := s.freeze(ctx, order)
	if err != nil {
		return domain.Order{}, false, err
	}
	order.FrozenRemaining = frozen

	order.Status = domain.OrderStatusOpen
	order.Sequence = s.engine.Sequence().Next()
	if err := s.orders.Create(ctx, order); err != nil {
		s.unfreeze(ctx, order, frozen)
		if errors.Is(err, domain.ErrDuplicateIdempotency) {
			// Another process committed the same key first; hand back its
			// order instead of an error.
			existing, lookErr := s.orders.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if lookErr == nil {
				return existing, true, nil
			}
		}
		return domain.Order{}, false, fmt.Errorf("order_service: create order: %w", err)
	}
	return order, false, nil
}

// CancelOrder requests cancellation of the caller's order. Fills already in
// flight win the race; the cancel then applies only to what remains.
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID string) (domain.Order, *domain.CancelRecord, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, nil, err
	}
	if order.UserID != userID {
		// Do not leak other users' order ids.
		return domain.Order{}, nil, domain.ErrOrderNotFound
	}
	return s.engine.Cancel(ctx, orderID)
}

// GetOrder returns the caller's order by id.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != userID {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListOpenOrders returns the caller's open and partially filled orders.
func (s *OrderService) ListOpenOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.orders.ListOpenByUser(ctx, userID)
}

// Depth returns the aggregated book for one (market, outcome), deepest
// levels first capped at levels per side.
func (s *OrderService) Depth(ctx context.Context, marketID string, outcome, levels int) (domain.DepthSnapshot, error) {
	market, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.DepthSnapshot{}, err
	}
	if !market.OutcomeValid(outcome) {
		return domain.DepthSnapshot{}, fmt.Errorf("order_service: outcome %d out of range: %w", outcome, domain.ErrNotFound)
	}
	return s.engine.Depth(marketID, outcome, levels), nil
}

func (s *OrderService) validate(market domain.Market, req *PlaceOrderRequest) error {
	if !market.Tradable() {
		return domain.ErrMarketClosed
	}
	if !market.OutcomeValid(req.Outcome) {
		return fmt.Errorf("order_service: outcome %d out of range: %w", req.Outcome, domain.ErrNotFound)
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return fmt.Errorf("order_service: invalid side %q", req.Side)
	}
	if req.Quantity < s.minOrderSize {
		return fmt.Errorf("order_service: quantity %.2f below minimum %.2f: %w",
			req.Quantity, s.minOrderSize, domain.ErrOrderTooSmall)
	}

	if req.Type == "" {
		req.Type = domain.OrderTypeLimit
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		if req.Price != 0 {
			return fmt.Errorf("order_service: market order must not carry a limit price: %w", domain.ErrInvalidPrice)
		}
		if req.TIF == "" {
			req.TIF = domain.TIFIOC
		}
		if req.TIF != domain.TIFIOC && req.TIF != domain.TIFFOK {
			return fmt.Errorf("order_service: market orders require IOC or FOK, got %q", req.TIF)
		}
	case domain.OrderTypeLimit:
		if err := validPrice(req.Price); err != nil {
			return err
		}
	case domain.OrderTypeIceberg:
		if err := validPrice(req.Price); err != nil {
			return err
		}
		if req.DisplayQuantity <= 0 || req.DisplayQuantity > req.Quantity {
			return fmt.Errorf("order_service: display quantity must be in (0, quantity]")
		}
	case domain.OrderTypeStopLoss, domain.OrderTypeTakeProfit:
		if err := validTriggerPrice(req.TriggerPrice); err != nil {
			return err
		}
		if req.Price != 0 {
			if err := validPrice(req.Price); err != nil {
				return err
			}
		}
	case domain.OrderTypeTrailingStop:
		if req.TrailingOffset <= 0 || req.TrailingOffset >= 1 {
			return fmt.Errorf("order_service: trailing offset must be in (0, 1): %w", domain.ErrInvalidPrice)
		}
		if req.Price != 0 {
			if err := validPrice(req.Price); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("order_service: unknown order type %q", req.Type)
	}

	if req.TIF == "" {
		req.TIF = domain.TIFGTC
	}
	switch req.TIF {
	case domain.TIFGTC, domain.TIFIOC, domain.TIFFOK:
	case domain.TIFDay:
		if req.ExpiresAt == nil {
			eod := endOfDay(time.Now().UTC())
			req.ExpiresAt = &eod
		}
	case domain.TIFGTD:
		if req.ExpiresAt == nil || !req.ExpiresAt.After(time.Now().UTC()) {
			return fmt.Errorf("order_service: GTD requires a future expiry")
		}
	default:
		return fmt.Errorf("order_service: unknown time in force %q", req.TIF)
	}
	return nil
}

// freeze reserves what the order commits: funds for a buy, shares for a
// sell. Market buys reserve at the price cap since the execution price is
// unknown until matching.
func (s *OrderService) freeze(ctx context.Context, o domain.Order) (float64, error) {
	if o.Side == domain.OrderSideSell {
		if err := s.positions.Freeze(ctx, o.UserID, o.MarketID, o.Outcome, o.Quantity); err != nil {
			return 0, err
		}
		return o.Quantity, nil
	}
	price := o.Price
	if price == 0 {
		price = domain.MaxPrice
	}
	amount := price * o.Quantity
	if err := s.ledger.Freeze(ctx, o.UserID, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

func (s *OrderService) unfreeze(ctx context.Context, o domain.Order, frozen float64) {
	var err error
	if o.Side == domain.OrderSideSell {
		err = s.positions.Release(ctx, o.UserID, o.MarketID, o.Outcome, frozen)
	} else {
		err = s.ledger.Release(ctx, o.UserID, frozen)
	}
	if err != nil {
		s.logger.Error("freeze rollback failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

func validPrice(p float64) error {
	if p < domain.MinPrice || p > domain.MaxPrice {
		return fmt.Errorf("order_service: price %.4f outside [%.2f, %.2f]: %w",
			p, domain.MinPrice, domain.MaxPrice, domain.ErrInvalidPrice)
	}
	return nil
}

func validTriggerPrice(p float64) error {
	if p < domain.MinPrice || p > domain.MaxPrice {
		return fmt.Errorf("order_service: trigger price %.4f outside [%.2f, %.2f]: %w",
			p, domain.MinPrice, domain.MaxPrice, domain.ErrInvalidPrice)
	}
	return nil
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}
