package engine

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/ledger"
	"github.com/alanyoungcy/predictcore/internal/store/memory"
)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	markets   *memory.MarketStore
	orders    *memory.OrderStore
	trades    *memory.TradeStore
	positions *memory.PositionStore
	events    *memory.EventStore
	ledger    *ledger.Memory
	eng       *Engine
	market    domain.Market
}

func newFixture(t *testing.T, ammEnabled bool) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		markets:   memory.NewMarketStore(),
		orders:    memory.NewOrderStore(),
		trades:    memory.NewTradeStore(),
		positions: memory.NewPositionStore(),
		events:    memory.NewEventStore(),
		ledger:    ledger.NewMemory(),
	}
	f.eng = New(Config{
		Markets:   f.markets,
		Orders:    f.orders,
		Trades:    f.trades,
		Positions: f.positions,
		Events:    f.events,
		Ledger:    f.ledger,
	})
	f.market = domain.Market{
		ID:         "mkt-1",
		Question:   "Will it happen?",
		Outcomes:   []string{"Yes", "No"},
		Prices:     []float64{0.5, 0.5},
		LiquidityB: 100,
		AMMEnabled: ammEnabled,
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

type orderSpec struct {
	user    string
	side    domain.OrderSide
	typ     domain.OrderType
	tif     domain.TimeInForce
	price   float64
	qty     float64
	display float64
	trigger float64
	offset  float64
	expires *time.Time
	created time.Time
}

// place persists an order with its freeze already performed, then submits
// it to the engine, mirroring what the order service does after placement
// commits.
func (f *fixture) place(spec orderSpec) domain.Order {
	f.t.Helper()
	if spec.typ == "" {
		spec.typ = domain.OrderTypeLimit
	}
	if spec.tif == "" {
		spec.tif = domain.TIFGTC
	}
	if spec.created.IsZero() {
		spec.created = time.Now().UTC()
	}

	o := domain.Order{
		ID:              uuid.New().String(),
		MarketID:        f.market.ID,
		Outcome:         0,
		UserID:          spec.user,
		Side:            spec.side,
		Type:            spec.typ,
		TIF:             spec.tif,
		Price:           spec.price,
		Quantity:        spec.qty,
		DisplayQuantity: spec.display,
		TriggerPrice:    spec.trigger,
		TrailingOffset:  spec.offset,
		Status:          domain.OrderStatusOpen,
		ExpiresAt:       spec.expires,
		CreatedAt:       spec.created,
		UpdatedAt:       spec.created,
	}

	if spec.side == domain.OrderSideBuy {
		freeze := spec.price * spec.qty
		if spec.typ == domain.OrderTypeMarket || spec.price == 0 {
			freeze = domain.MaxPrice * spec.qty
		}
		f.ledger.Deposit(spec.user, freeze)
		if err := f.ledger.Freeze(f.ctx, spec.user, freeze); err != nil {
			f.t.Fatalf("freeze funds: %v", err)
		}
		o.FrozenRemaining = freeze
	} else {
		if err := f.positions.Apply(f.ctx, spec.user, f.market.ID, 0, spec.qty); err != nil {
			f.t.Fatalf("seed shares: %v", err)
		}
		if err := f.positions.Freeze(f.ctx, spec.user, f.market.ID, 0, spec.qty); err != nil {
			f.t.Fatalf("freeze shares: %v", err)
		}
		o.FrozenRemaining = spec.qty
	}

	if err := f.orders.Create(f.ctx, o); err != nil {
		f.t.Fatalf("create order: %v", err)
	}
	out, err := f.eng.Submit(f.ctx, o.ID)
	if err != nil {
		f.t.Fatalf("submit order: %v", err)
	}
	return out
}

func (f *fixture) reload(id string) domain.Order {
	f.t.Helper()
	o, err := f.orders.GetByID(f.ctx, id)
	if err != nil {
		f.t.Fatalf("reload order %s: %v", id, err)
	}
	return o
}

func (f *fixture) marketTrades() []domain.Trade {
	f.t.Helper()
	trades, err := f.trades.ListByMarket(f.ctx, f.market.ID, domain.ListOpts{})
	if err != nil {
		f.t.Fatalf("list trades: %v", err)
	}
	return trades
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t, false)
	base := time.Now().UTC()

	// Resting asks: two at 0.60 (t=1, t=2) and one at 0.55 (t=0). An
	// aggressing buy at 0.65 must fill 0.55 first (best price), then the
	// 0.60s in time order.
	ask055 := f.place(orderSpec{user: "s0", side: domain.OrderSideSell, price: 0.55, qty: 40, created: base})
	ask060a := f.place(orderSpec{user: "s1", side: domain.OrderSideSell, price: 0.60, qty: 40, created: base.Add(time.Second)})
	ask060b := f.place(orderSpec{user: "s2", side: domain.OrderSideSell, price: 0.60, qty: 40, created: base.Add(2 * time.Second)})

	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, price: 0.65, qty: 100})

	trades := f.marketTrades()
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}
	wantMakers := []string{ask055.ID, ask060a.ID, ask060b.ID}
	wantPrices := []float64{0.55, 0.60, 0.60}
	wantQtys := []float64{40, 40, 20}
	for i, tr := range trades {
		if tr.MakerOrderID != wantMakers[i] {
			t.Errorf("trade %d maker = %s, want %s", i, tr.MakerOrderID, wantMakers[i])
		}
		if tr.Price != wantPrices[i] {
			t.Errorf("trade %d price = %v, want %v (maker price rule)", i, tr.Price, wantPrices[i])
		}
		if tr.Quantity != wantQtys[i] {
			t.Errorf("trade %d qty = %v, want %v", i, tr.Quantity, wantQtys[i])
		}
	}

	if got := f.reload(buy.ID); got.Status != domain.OrderStatusFilled {
		t.Errorf("aggressor status = %s, want filled", got.Status)
	}
	if got := f.reload(ask060b.ID); got.Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("last ask status = %s, want partially_filled", got.Status)
	}
}

func TestAggressorBuyerPaysRestingPriceAndLeftoverReleased(t *testing.T) {
	f := newFixture(t, false)

	f.place(orderSpec{user: "seller", side: domain.OrderSideSell, price: 0.40, qty: 100})
	buy := f.place(orderSpec{user: "buyer", side: domain.OrderSideBuy, price: 0.50, qty: 100})

	if got := f.reload(buy.ID); got.Status != domain.OrderStatusFilled {
		t.Fatalf("buy status = %s, want filled", got.Status)
	}
	// Froze 0.50*100 = 50, paid 0.40*100 = 40; the 10 excess must be back.
	avail, frozen := f.ledger.Balance("buyer")
	if math.Abs(avail-10) > 1e-9 || frozen > 1e-9 {
		t.Errorf("buyer balance = (%v, %v), want (10, 0)", avail, frozen)
	}
	sAvail, _ := f.ledger.Balance("seller")
	if math.Abs(sAvail-40) > 1e-9 {
		t.Errorf("seller proceeds = %v, want 40", sAvail)
	}

	pos, _ := f.positions.Get(context.Background(), "buyer", f.market.ID, 0)
	if pos.Quantity != 100 {
		t.Errorf("buyer position = %v, want 100", pos.Quantity)
	}
}

func TestPartialFillScenario(t *testing.T) {
	f := newFixture(t, false)

	// A bids 100 @ 0.40 into an empty book, B sells 60 at the same price.
	a := f.place(orderSpec{user: "A", side: domain.OrderSideBuy, price: 0.40, qty: 100})
	if a.Status != domain.OrderStatusOpen {
		t.Fatalf("A status = %s, want open", a.Status)
	}

	b := f.place(orderSpec{user: "B", side: domain.OrderSideSell, price: 0.40, qty: 60})

	gotA, gotB := f.reload(a.ID), f.reload(b.ID)
	if gotA.Status != domain.OrderStatusPartiallyFilled || gotA.FilledQuantity != 60 {
		t.Errorf("A = %s filled=%v, want partially_filled filled=60", gotA.Status, gotA.FilledQuantity)
	}
	if gotB.Status != domain.OrderStatusFilled || gotB.FilledQuantity != 60 {
		t.Errorf("B = %s filled=%v, want filled filled=60", gotB.Status, gotB.FilledQuantity)
	}

	trades := f.marketTrades()
	if len(trades) != 1 || trades[0].Price != 0.40 || trades[0].Quantity != 60 {
		t.Fatalf("trades = %+v, want one 60 @ 0.40", trades)
	}
}

func TestIOCCancelsRemainder(t *testing.T) {
	f := newFixture(t, false)

	f.place(orderSpec{user: "s", side: domain.OrderSideSell, price: 0.30, qty: 30})
	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, tif: domain.TIFIOC, price: 0.30, qty: 100})

	got := f.reload(buy.ID)
	if got.Status != domain.OrderStatusCancelled {
		t.Fatalf("IOC status = %s, want cancelled", got.Status)
	}
	if got.FilledQuantity != 30 || got.CancelledQuantity != 70 {
		t.Errorf("IOC filled=%v cancelled=%v, want 30/70", got.FilledQuantity, got.CancelledQuantity)
	}
	// 0.30*100 frozen, 0.30*30 spent, remainder released.
	avail, frozen := f.ledger.Balance("b")
	if math.Abs(avail-21) > 1e-9 || frozen > 1e-9 {
		t.Errorf("balance = (%v, %v), want (21, 0)", avail, frozen)
	}
}

func TestFOKAllOrNothing(t *testing.T) {
	f := newFixture(t, false)

	f.place(orderSpec{user: "s", side: domain.OrderSideSell, price: 0.30, qty: 30})
	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, tif: domain.TIFFOK, price: 0.30, qty: 100})

	got := f.reload(buy.ID)
	if got.Status != domain.OrderStatusCancelled {
		t.Fatalf("FOK status = %s, want cancelled", got.Status)
	}
	if got.FilledQuantity != 0 {
		t.Errorf("FOK filled = %v, want 0 (no partial fills)", got.FilledQuantity)
	}
	if len(f.marketTrades()) != 0 {
		t.Error("FOK produced trades despite insufficient depth")
	}
	// Resting ask untouched.
	avail, frozen := f.ledger.Balance("b")
	if math.Abs(avail-30) > 1e-9 || frozen > 1e-9 {
		t.Errorf("balance = (%v, %v), want full release (30, 0)", avail, frozen)
	}
}

func TestFOKFillsWhenDepthSuffices(t *testing.T) {
	f := newFixture(t, false)

	f.place(orderSpec{user: "s1", side: domain.OrderSideSell, price: 0.30, qty: 60})
	f.place(orderSpec{user: "s2", side: domain.OrderSideSell, price: 0.30, qty: 40})
	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, tif: domain.TIFFOK, price: 0.30, qty: 100})

	if got := f.reload(buy.ID); got.Status != domain.OrderStatusFilled {
		t.Fatalf("FOK status = %s, want filled", got.Status)
	}
}

func TestFOKAllOrNothingAcrossOutcomes(t *testing.T) {
	f := newFixture(t, true)

	// Thin book on outcome 0: the first FOK fills partly against it and
	// needs the pool for the rest; later ones lean on the pool alone.
	f.place(orderSpec{user: "maker", side: domain.OrderSideSell, price: 0.50, qty: 50})

	// seed creates an order row with its freeze done, ready for Submit.
	now := time.Now().UTC()
	seed := func(user string, outcome int, side domain.OrderSide, tif domain.TimeInForce, price, qty float64) string {
		t.Helper()
		o := domain.Order{
			ID:        uuid.New().String(),
			MarketID:  f.market.ID,
			Outcome:   outcome,
			UserID:    user,
			Side:      side,
			Type:      domain.OrderTypeLimit,
			TIF:       tif,
			Price:     price,
			Quantity:  qty,
			Status:    domain.OrderStatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if side == domain.OrderSideBuy {
			freeze := price * qty
			f.ledger.Deposit(user, freeze)
			if err := f.ledger.Freeze(f.ctx, user, freeze); err != nil {
				t.Fatalf("freeze funds: %v", err)
			}
			o.FrozenRemaining = freeze
		} else {
			if err := f.positions.Apply(f.ctx, user, f.market.ID, outcome, qty); err != nil {
				t.Fatalf("seed shares: %v", err)
			}
			if err := f.positions.Freeze(f.ctx, user, f.market.ID, outcome, qty); err != nil {
				t.Fatalf("freeze shares: %v", err)
			}
			o.FrozenRemaining = qty
		}
		if err := f.orders.Create(f.ctx, o); err != nil {
			t.Fatalf("create order: %v", err)
		}
		return o.ID
	}

	// FOK buys on outcome 0 race sells on outcome 1 that move the shared
	// pool hard. A quote taken by the pre-check must still hold by the time
	// the remainder executes, whichever interleaving happens.
	const rounds = 20
	fokIDs := make([]string, rounds)
	sellIDs := make([]string, rounds)
	for i := 0; i < rounds; i++ {
		fokIDs[i] = seed("taker", 0, domain.OrderSideBuy, domain.TIFFOK, 0.58, 100)
		sellIDs[i] = seed("mover", 1, domain.OrderSideSell, domain.TIFIOC, 0.02, 300)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range fokIDs {
			if _, err := f.eng.Submit(f.ctx, id); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range sellIDs {
			if _, err := f.eng.Submit(f.ctx, id); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("submit: %v", err)
	}

	for _, id := range fokIDs {
		got := f.reload(id)
		full := math.Abs(got.FilledQuantity-got.Quantity) < 1e-9
		none := got.FilledQuantity < 1e-9
		if !full && !none {
			t.Errorf("FOK order %s filled %.2f of %.2f, want all or nothing",
				id, got.FilledQuantity, got.Quantity)
		}
	}
}

func TestCancelReleasesFundsAndEmitsRecord(t *testing.T) {
	f := newFixture(t, false)

	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, price: 0.40, qty: 100})

	got, rec, err := f.eng.Cancel(context.Background(), buy.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if rec == nil || rec.CancelledQuantity != 100 {
		t.Fatalf("cancel record = %+v, want cancelled qty 100", rec)
	}
	avail, frozen := f.ledger.Balance("b")
	if math.Abs(avail-40) > 1e-9 || frozen > 1e-9 {
		t.Errorf("balance = (%v, %v), want (40, 0)", avail, frozen)
	}

	// Cancelled order no longer matches.
	f.place(orderSpec{user: "s", side: domain.OrderSideSell, price: 0.40, qty: 50})
	if len(f.marketTrades()) != 0 {
		t.Error("cancelled order still matched")
	}
}

func TestCancelAfterPartialFillAppliesToRemainder(t *testing.T) {
	f := newFixture(t, false)

	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, price: 0.40, qty: 100})
	f.place(orderSpec{user: "s", side: domain.OrderSideSell, price: 0.40, qty: 60})

	got, rec, err := f.eng.Cancel(context.Background(), buy.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.FilledQuantity != 60 {
		t.Errorf("filled = %v, want the 60 matched before cancel", got.FilledQuantity)
	}
	if rec.CancelledQuantity != 40 {
		t.Errorf("cancelled qty = %v, want the 40 remainder", rec.CancelledQuantity)
	}
}

func TestCancelTerminalOrderIsNoop(t *testing.T) {
	f := newFixture(t, false)

	f.place(orderSpec{user: "s", side: domain.OrderSideSell, price: 0.40, qty: 100})
	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, price: 0.40, qty: 100})

	got, rec, err := f.eng.Cancel(context.Background(), buy.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, fill must win over cancel", got.Status)
	}
	if rec != nil {
		t.Error("terminal cancel should not produce a record")
	}
}

func TestIcebergShowsOnlyDisplayAndReplenishes(t *testing.T) {
	f := newFixture(t, false)

	ice := f.place(orderSpec{
		user: "s", side: domain.OrderSideSell,
		typ: domain.OrderTypeIceberg, price: 0.50, qty: 100, display: 20,
	})

	depth := f.eng.Depth(f.market.ID, 0, 10)
	if len(depth.Asks) != 1 || depth.Asks[0].Size != 20 {
		t.Fatalf("visible ask size = %+v, want the 20 display tranche", depth.Asks)
	}

	// Consume three tranches.
	f.place(orderSpec{user: "b", side: domain.OrderSideBuy, price: 0.50, qty: 55})

	got := f.reload(ice.ID)
	if got.FilledQuantity != 55 {
		t.Errorf("iceberg filled = %v, want 55", got.FilledQuantity)
	}
	depth = f.eng.Depth(f.market.ID, 0, 10)
	if len(depth.Asks) != 1 || depth.Asks[0].Size != 5 {
		t.Errorf("visible size after fills = %+v, want replenished tranche of 5", depth.Asks)
	}
}

func TestGTDExpiryReleasesFunds(t *testing.T) {
	f := newFixture(t, false)

	past := time.Now().UTC().Add(-time.Minute)
	buy := f.place(orderSpec{
		user: "b", side: domain.OrderSideBuy, tif: domain.TIFGTD,
		price: 0.40, qty: 100, expires: &past,
	})

	n, err := f.eng.ExpireDue(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d orders, want 1", n)
	}
	got := f.reload(buy.ID)
	if got.Status != domain.OrderStatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	avail, frozen := f.ledger.Balance("b")
	if math.Abs(avail-40) > 1e-9 || frozen > 1e-9 {
		t.Errorf("balance = (%v, %v), want (40, 0)", avail, frozen)
	}
}

func TestStopLossTriggersOnPriceDrop(t *testing.T) {
	f := newFixture(t, false)

	// Parked sell stop at 0.45: invisible to depth until triggered.
	stop := f.place(orderSpec{
		user: "holder", side: domain.OrderSideSell,
		typ: domain.OrderTypeStopLoss, trigger: 0.45, qty: 50,
	})
	if depth := f.eng.Depth(f.market.ID, 0, 10); len(depth.Asks) != 0 {
		t.Fatal("parked stop visible in depth")
	}

	// A trade at 0.40 fires the stop; a resting bid absorbs it.
	f.place(orderSpec{user: "bidder", side: domain.OrderSideBuy, price: 0.40, qty: 100})
	f.place(orderSpec{user: "s", side: domain.OrderSideSell, price: 0.40, qty: 10})

	got := f.reload(stop.ID)
	if got.FilledQuantity != 50 {
		t.Errorf("stop filled = %v, want 50 against the resting bid", got.FilledQuantity)
	}
}

func TestAMMFillsRemainderWhenBookThin(t *testing.T) {
	f := newFixture(t, true)

	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, price: 0.60, qty: 50})

	got := f.reload(buy.ID)
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("status = %s, want filled via AMM fallback", got.Status)
	}
	trades := f.marketTrades()
	if len(trades) != 1 || trades[0].MakerOrderID != domain.AMMCounterparty {
		t.Fatalf("trades = %+v, want one AMM fill", trades)
	}
	if trades[0].Price <= 0.5 || trades[0].Price > 0.60 {
		t.Errorf("AMM avg price = %v, want in (0.50, 0.60]", trades[0].Price)
	}

	// AMM fills refresh the market's price vector; it must still sum to 1.
	m, _ := f.markets.GetByID(context.Background(), f.market.ID)
	sum := 0.0
	for _, p := range m.Prices {
		sum += p
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("market prices sum = %v, want 1.0", sum)
	}
	if m.Prices[0] <= 0.5 {
		t.Errorf("outcome 0 price = %v, want above 0.5 after the buy", m.Prices[0])
	}
}

func TestAMMRespectsLimitPrice(t *testing.T) {
	f := newFixture(t, true)

	// A fresh pool prices outcome 0 at 0.50; a limit buy at 0.30 must not
	// fill against it and rests instead.
	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, price: 0.30, qty: 50})

	got := f.reload(buy.ID)
	if got.Status != domain.OrderStatusOpen {
		t.Fatalf("status = %s, want open (AMM above limit)", got.Status)
	}
	if len(f.marketTrades()) != 0 {
		t.Error("limit order filled against AMM above its price")
	}
}

func TestDepthAggregation(t *testing.T) {
	f := newFixture(t, false)

	f.place(orderSpec{user: "b1", side: domain.OrderSideBuy, price: 0.40, qty: 50})
	f.place(orderSpec{user: "b2", side: domain.OrderSideBuy, price: 0.40, qty: 30})
	f.place(orderSpec{user: "b3", side: domain.OrderSideBuy, price: 0.35, qty: 20})
	f.place(orderSpec{user: "a1", side: domain.OrderSideSell, price: 0.55, qty: 10})
	f.place(orderSpec{user: "a2", side: domain.OrderSideSell, price: 0.60, qty: 15})

	snap := f.eng.Depth(f.market.ID, 0, 10)

	wantBids := []domain.DepthLevel{
		{Price: 0.40, Size: 80, OrderCount: 2},
		{Price: 0.35, Size: 20, OrderCount: 1},
	}
	wantAsks := []domain.DepthLevel{
		{Price: 0.55, Size: 10, OrderCount: 1},
		{Price: 0.60, Size: 15, OrderCount: 1},
	}
	if len(snap.Bids) != len(wantBids) {
		t.Fatalf("bids = %+v, want %+v", snap.Bids, wantBids)
	}
	for i := range wantBids {
		if snap.Bids[i] != wantBids[i] {
			t.Errorf("bid[%d] = %+v, want %+v", i, snap.Bids[i], wantBids[i])
		}
	}
	for i := range wantAsks {
		if snap.Asks[i] != wantAsks[i] {
			t.Errorf("ask[%d] = %+v, want %+v", i, snap.Asks[i], wantAsks[i])
		}
	}
	if snap.BestBid != 0.40 || snap.BestAsk != 0.55 {
		t.Errorf("BBO = (%v, %v), want (0.40, 0.55)", snap.BestBid, snap.BestAsk)
	}

	// Truncation.
	one := f.eng.Depth(f.market.ID, 0, 1)
	if len(one.Bids) != 1 || len(one.Asks) != 1 {
		t.Errorf("levels=1 depth = %d bids / %d asks, want 1/1", len(one.Bids), len(one.Asks))
	}
}

func TestSequenceMonotonicAcrossEvents(t *testing.T) {
	f := newFixture(t, false)

	f.place(orderSpec{user: "s", side: domain.OrderSideSell, price: 0.40, qty: 60})
	buy := f.place(orderSpec{user: "b", side: domain.OrderSideBuy, price: 0.40, qty: 100})
	if _, _, err := f.eng.Cancel(context.Background(), buy.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	events, err := f.events.ListSince(context.Background(), buy.ID, 0)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("got %d events, want fill + cancel_requested + cancelled", len(events))
	}
	var last uint64
	for i, ev := range events {
		if ev.Sequence <= last {
			t.Errorf("event %d sequence %d not increasing past %d", i, ev.Sequence, last)
		}
		last = ev.Sequence
	}
}
