package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/engine"
	"github.com/alanyoungcy/predictcore/internal/ledger"
	"github.com/alanyoungcy/predictcore/internal/store/memory"
)

type svcFixture struct {
	t         *testing.T
	ctx       context.Context
	markets   *memory.MarketStore
	orders    *memory.OrderStore
	positions *memory.PositionStore
	events    *memory.EventStore
	ledger    *ledger.Memory
	eng       *engine.Engine
	svc       *OrderService
	market    domain.Market
}

func newSvcFixture(t *testing.T) *svcFixture {
	t.Helper()
	f := &svcFixture{
		t:         t,
		ctx:       context.Background(),
		markets:   memory.NewMarketStore(),
		orders:    memory.NewOrderStore(),
		positions: memory.NewPositionStore(),
		events:    memory.NewEventStore(),
		ledger:    ledger.NewMemory(),
	}
	f.eng = engine.New(engine.Config{
		Markets:   f.markets,
		Orders:    f.orders,
		Trades:    memory.NewTradeStore(),
		Positions: f.positions,
		Events:    f.events,
		Ledger:    f.ledger,
	})
	f.svc = NewOrderService(
		f.orders, f.markets, f.positions, f.ledger, f.events,
		nil, f.eng, slog.New(slog.DiscardHandler),
	).WithSyncMatching()

	f.market = domain.Market{
		ID:         "mkt-1",
		Question:   "Will it happen?",
		Outcomes:   []string{"Yes", "No"},
		Prices:     []float64{0.5, 0.5},
		LiquidityB: 100,
		Status:     domain.MarketStatusActive,
		CreatedAt:  time.Now().UTC(),
	}
	if err := f.markets.Create(f.ctx, f.market); err != nil {
		t.Fatalf("create market: %v", err)
	}
	if err := f.eng.RegisterMarket(f.market); err != nil {
		t.Fatalf("register market: %v", err)
	}
	return f
}

func (f *svcFixture) buyReq(user string, price, qty float64) PlaceOrderRequest {
	return PlaceOrderRequest{
		MarketID: f.market.ID,
		Outcome:  0,
		UserID:   user,
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeLimit,
		Price:    price,
		Quantity: qty,
	}
}

func TestPlaceOrderFreezesLimitBuy(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 100)

	o, err := f.svc.PlaceOrder(f.ctx, f.buyReq("alice", 0.60, 50))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != domain.OrderStatusOpen {
		t.Fatalf("status = %s, want open", o.Status)
	}
	if o.Sequence == 0 {
		t.Fatalf("order has no sequence")
	}
	avail, frozen := f.ledger.Balance("alice")
	if math.Abs(frozen-30) > 1e-9 || math.Abs(avail-70) > 1e-9 {
		t.Fatalf("balance = %.2f avail / %.2f frozen, want 70/30", avail, frozen)
	}

	evs, err := f.events.ListSince(f.ctx, o.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != domain.OrderEventPlaced {
		t.Fatalf("events = %+v, want one placed event", evs)
	}
}

func TestPlaceOrderMarketBuyFreezesAtPriceCap(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 100)

	req := f.buyReq("alice", 0, 50)
	req.Type = domain.OrderTypeMarket
	o, err := f.svc.PlaceOrder(f.ctx, req)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	// Empty book, no AMM: the market order cancels and releases everything.
	if o.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", o.Status)
	}
	avail, frozen := f.ledger.Balance("alice")
	if math.Abs(avail-100) > 1e-9 || frozen > 1e-9 {
		t.Fatalf("balance = %.2f avail / %.2f frozen after release, want 100/0", avail, frozen)
	}
}

func TestPlaceOrderSellFreezesShares(t *testing.T) {
	f := newSvcFixture(t)
	if err := f.positions.Apply(f.ctx, "bob", f.market.ID, 0, 80); err != nil {
		t.Fatalf("seed shares: %v", err)
	}

	req := PlaceOrderRequest{
		MarketID: f.market.ID,
		UserID:   "bob",
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeLimit,
		Price:    0.70,
		Quantity: 50,
	}
	if _, err := f.svc.PlaceOrder(f.ctx, req); err != nil {
		t.Fatalf("place: %v", err)
	}
	pos, err := f.positions.Get(f.ctx, "bob", f.market.ID, 0)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if math.Abs(pos.FrozenQuantity-50) > 1e-9 {
		t.Fatalf("frozen shares = %.2f, want 50", pos.FrozenQuantity)
	}

	// Selling more than the free balance fails without side effects.
	req.Quantity = 40
	if _, err := f.svc.PlaceOrder(f.ctx, req); !errors.Is(err, domain.ErrInsufficientShares) {
		t.Fatalf("err = %v, want ErrInsufficientShares", err)
	}
}

func TestPlaceOrderValidationRejectsBeforeFreezing(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 1000)

	cases := []struct {
		name   string
		mutate func(*PlaceOrderRequest)
		want   error
	}{
		{"price too high", func(r *PlaceOrderRequest) { r.Price = 1.0 }, domain.ErrInvalidPrice},
		{"price too low", func(r *PlaceOrderRequest) { r.Price = 0.005 }, domain.ErrInvalidPrice},
		{"quantity below minimum", func(r *PlaceOrderRequest) { r.Quantity = 5 }, domain.ErrOrderTooSmall},
		{"bad outcome", func(r *PlaceOrderRequest) { r.Outcome = 7 }, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := f.buyReq("alice", 0.50, 50)
			tc.mutate(&req)
			if _, err := f.svc.PlaceOrder(f.ctx, req); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if _, frozen := f.ledger.Balance("alice"); frozen != 0 {
		t.Fatalf("rejected orders froze %.2f", frozen)
	}
}

func TestPlaceOrderInsufficientBalance(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 10)

	_, err := f.svc.PlaceOrder(f.ctx, f.buyReq("alice", 0.60, 50))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	avail, frozen := f.ledger.Balance("alice")
	if avail != 10 || frozen != 0 {
		t.Fatalf("balance = %.2f/%.2f, want untouched 10/0", avail, frozen)
	}
}

func TestPlaceOrderUnknownOrClosedMarket(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 100)

	req := f.buyReq("alice", 0.50, 50)
	req.MarketID = "nope"
	if _, err := f.svc.PlaceOrder(f.ctx, req); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("err = %v, want ErrMarketNotFound", err)
	}

	f.market.Status = domain.MarketStatusClosed
	if err := f.markets.Update(f.ctx, f.market); err != nil {
		t.Fatalf("close market: %v", err)
	}
	if _, err := f.svc.PlaceOrder(f.ctx, f.buyReq("alice", 0.50, 50)); !errors.Is(err, domain.ErrMarketClosed) {
		t.Fatalf("err = %v, want ErrMarketClosed", err)
	}
}

func TestPlaceOrderIdempotentReplay(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 100)

	req := f.buyReq("alice", 0.60, 50)
	req.IdempotencyKey = "req-1"
	first, err := f.svc.PlaceOrder(f.ctx, req)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	second, err := f.svc.PlaceOrder(f.ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay created a new order %s != %s", second.ID, first.ID)
	}
	if _, frozen := f.ledger.Balance("alice"); math.Abs(frozen-30) > 1e-9 {
		t.Fatalf("frozen = %.2f after replay, want 30 (single freeze)", frozen)
	}

	// The same key under a different user is a distinct request.
	f.ledger.Deposit("carol", 100)
	req.UserID = "carol"
	other, err := f.svc.PlaceOrder(f.ctx, req)
	if err != nil {
		t.Fatalf("other user: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("idempotency key collided across users")
	}
}

func TestPlaceOrderGTDRequiresFutureExpiry(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 100)

	req := f.buyReq("alice", 0.50, 50)
	req.TIF = domain.TIFGTD
	if _, err := f.svc.PlaceOrder(f.ctx, req); err == nil {
		t.Fatalf("GTD without expiry accepted")
	}
	past := time.Now().UTC().Add(-time.Hour)
	req.ExpiresAt = &past
	if _, err := f.svc.PlaceOrder(f.ctx, req); err == nil {
		t.Fatalf("GTD with past expiry accepted")
	}
}

func TestPlaceOrderSyncMatchingReturnsFill(t *testing.T) {
	f := newSvcFixture(t)
	if err := f.positions.Apply(f.ctx, "bob", f.market.ID, 0, 50); err != nil {
		t.Fatalf("seed shares: %v", err)
	}
	sell := PlaceOrderRequest{
		MarketID: f.market.ID,
		UserID:   "bob",
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeLimit,
		Price:    0.55,
		Quantity: 50,
	}
	if _, err := f.svc.PlaceOrder(f.ctx, sell); err != nil {
		t.Fatalf("place sell: %v", err)
	}

	f.ledger.Deposit("alice", 100)
	got, err := f.svc.PlaceOrder(f.ctx, f.buyReq("alice", 0.60, 50))
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", got.Status)
	}
	if math.Abs(got.FilledQuantity-50) > 1e-9 {
		t.Fatalf("filled = %.2f, want 50", got.FilledQuantity)
	}
}

func TestCancelOrderOwnershipAndRelease(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 100)

	o, err := f.svc.PlaceOrder(f.ctx, f.buyReq("alice", 0.60, 50))
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, _, err := f.svc.CancelOrder(f.ctx, "mallory", o.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("foreign cancel err = %v, want ErrOrderNotFound", err)
	}

	cancelled, rec, err := f.svc.CancelOrder(f.ctx, "alice", o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if rec == nil || rec.OrderID != o.ID {
		t.Fatalf("cancel record = %+v", rec)
	}
	avail, frozen := f.ledger.Balance("alice")
	if math.Abs(avail-100) > 1e-9 || frozen > 1e-9 {
		t.Fatalf("balance = %.2f/%.2f after cancel, want 100/0", avail, frozen)
	}
}

func TestGetOrderHidesForeignOrders(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 100)

	o, err := f.svc.PlaceOrder(f.ctx, f.buyReq("alice", 0.60, 50))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := f.svc.GetOrder(f.ctx, "mallory", o.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
	if _, err := f.svc.GetOrder(f.ctx, "alice", o.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}
func (denyLimiter) Wait(context.Context, string) error { return nil }

func TestPlaceOrderRateLimited(t *testing.T) {
	f := newSvcFixture(t)
	f.ledger.Deposit("alice", 100)
	f.svc.limiter = denyLimiter{}

	if _, err := f.svc.PlaceOrder(f.ctx, f.buyReq("alice", 0.50, 50)); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestConcurrentDuplicateKeyPlacesOnce(t *testing.T) {
	f := newSvcFixture(t)

	const iterations = 50
	f.ledger.Deposit("alice", iterations*25)

	for i := 0; i < iterations; i++ {
		req := f.buyReq("alice", 0.50, 50)
		req.IdempotencyKey = fmt.Sprintf("req-%d", i)

		var wg sync.WaitGroup
		ids := make(chan string, 4)
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o, err := f.svc.PlaceOrder(f.ctx, req)
				if err != nil {
					t.Errorf("place: %v", err)
					return
				}
				ids <- o.ID
			}()
		}
		wg.Wait()
		close(ids)

		distinct := make(map[string]bool)
		for id := range ids {
			distinct[id] = true
		}
		if len(distinct) != 1 {
			t.Fatalf("iteration %d: %d distinct orders for one key, want 1", i, len(distinct))
		}
	}

	// One freeze per key, nothing double-reserved.
	avail, frozen := f.ledger.Balance("alice")
	if math.Abs(frozen-iterations*25) > 1e-9 || math.Abs(avail) > 1e-9 {
		t.Fatalf("balance = %.2f/%.2f, want 0/%.2f", avail, frozen, float64(iterations*25))
	}
}

func TestConcurrentPlacementsNeverOverFreeze(t *testing.T) {
	f := newSvcFixture(t)
	// Funds for exactly 4 orders of 0.50 x 50 = 25 each.
	f.ledger.Deposit("alice", 100)

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PlaceOrder(f.ctx, f.buyReq("alice", 0.50, 50))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientBalance):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 4 {
		t.Fatalf("%d placements succeeded, want 4", ok)
	}
	avail, frozen := f.ledger.Balance("alice")
	if math.Abs(frozen-100) > 1e-9 || math.Abs(avail) > 1e-9 {
		t.Fatalf("balance = %.2f/%.2f, want 0/100", avail, frozen)
	}
}
