// Package engine implements continuous price-time-priority matching for
// prediction-market orders, with LMSR fallback pricing when the book lacks
// depth.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/predictcore/internal/amm"
	"github.com/alanyoungcy/predictcore/internal/domain"
)

// epsilon is the tolerance for quantity and price comparisons.
const epsilon = 1e-9

// Config bundles the engine's dependencies. Bus and DepthCache are optional;
// when nil the engine simply skips publishing.
type Config struct {
	Markets    domain.MarketStore
	Orders     domain.OrderStore
	Trades     domain.TradeStore
	Positions  domain.PositionStore
	Events     domain.EventStore
	Ledger     domain.Ledger
	Bus        domain.SignalBus
	DepthCache domain.DepthCache
	Logger     *slog.Logger
}

// marketBook is the mutable matching state for one (market, outcome): the
// resting book, parked trigger orders, and the last trade price.
type marketBook struct {
	mu        sync.Mutex
	book      *book
	parked    []*parkedOrder
	lastPrice float64
}

// Engine is the matching core. One instance serves every market; matching is
// serialized per (market, outcome) book and runs concurrently across books.
type Engine struct {
	cfg Config
	seq *Sequence

	mu          sync.Mutex
	books       map[bookKey]*marketBook
	pools       map[string]*amm.Pool
	poolLocks   map[string]*sync.Mutex
	marketLocks map[string]*sync.RWMutex

	arrival atomic.Uint64
	logger  *slog.Logger
}

// New creates an Engine. Call Restore before accepting traffic so the
// sequence counter and resting books reflect durable state.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		seq:         NewSequence(0),
		books:       make(map[bookKey]*marketBook),
		pools:       make(map[string]*amm.Pool),
		poolLocks:   make(map[string]*sync.Mutex),
		marketLocks: make(map[string]*sync.RWMutex),
		logger:      logger.With(slog.String("component", "engine")),
	}
}

// Sequence exposes the global sequence counter.
func (e *Engine) Sequence() *Sequence { return e.seq }

// Restore rebuilds sequence and books from the stores after a restart.
func (e *Engine) Restore(ctx context.Context) error {
	last, err := e.cfg.Events.MaxSequence(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore sequence: %w", err)
	}
	e.seq = NewSequence(last)

	markets, err := e.cfg.Markets.List(ctx, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("engine: restore markets: %w", err)
	}
	for _, m := range markets {
		if err := e.RegisterMarket(m); err != nil {
			return err
		}
		if m.Status == domain.MarketStatusSettled || m.Status == domain.MarketStatusCancelled {
			continue
		}
		open, err := e.cfg.Orders.ListOpenByMarket(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("engine: restore orders for %s: %w", m.ID, err)
		}
		for _, o := range open {
			if !o.Resting() {
				continue
			}
			mb := e.bookFor(bookKey{o.MarketID, o.Outcome})
			mb.mu.Lock()
			if isTriggerType(o.Type) && !e.wasTriggered(o) {
				mb.parked = append(mb.parked, newParked(o))
			} else {
				mb.book.add(e.entryFor(o))
			}
			mb.mu.Unlock()
		}
	}
	e.logger.Info("engine restored",
		slog.Uint64("sequence", last),
		slog.Int("markets", len(markets)),
	)
	return nil
}

// wasTriggered reports whether a restored trigger order was already
// activated before the restart (it has book exposure recorded via fills).
func (e *Engine) wasTriggered(o domain.Order) bool {
	return o.FilledQuantity > 0
}

// RegisterMarket prepares matching state for a market, creating its LMSR
// pool when AMM fallback is enabled.
func (e *Engine) RegisterMarket(m domain.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !m.AMMEnabled {
		return nil
	}
	if _, ok := e.pools[m.ID]; ok {
		return nil
	}
	pool, err := amm.NewPool(m.LiquidityB, len(m.Outcomes))
	if err != nil {
		return fmt.Errorf("engine: register market %s: %w", m.ID, err)
	}
	e.pools[m.ID] = pool
	return nil
}

func (e *Engine) bookFor(key bookKey) *marketBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	mb, ok := e.books[key]
	if !ok {
		mb = &marketBook{book: newBook()}
		e.books[key] = mb
	}
	return mb
}

func (e *Engine) pool(marketID string) *amm.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pools[marketID]
}

// poolLock returns the mutex serializing AMM pricing for one market. The
// pool is shared across the market's outcome books, so a quote taken while
// holding only one book's lock can be moved by a fill on another outcome;
// matching on AMM-enabled markets holds this for its full span instead.
func (e *Engine) poolLock(marketID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.poolLocks[marketID]
	if !ok {
		l = &sync.Mutex{}
		e.poolLocks[marketID] = l
	}
	return l
}

// marketLock returns the per-market settlement exclusion lock. Settlement
// takes it exclusively; matching and cancellation take it shared.
func (e *Engine) marketLock(marketID string) *sync.RWMutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.marketLocks[marketID]
	if !ok {
		l = &sync.RWMutex{}
		e.marketLocks[marketID] = l
	}
	return l
}

// LockMarket acquires the market-wide exclusive section used by settlement:
// no placement, matching, or cancellation proceeds on the market while it is
// held. The returned func releases it.
func (e *Engine) LockMarket(marketID string) func() {
	l := e.marketLock(marketID)
	l.Lock()
	return l.Unlock
}

// ClearMarket tears down all matching state for a settled or cancelled
// market: books, parked trigger orders, and the AMM pool. The caller must
// hold the market's exclusive lock.
func (e *Engine) ClearMarket(marketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.books {
		if k.marketID == marketID {
			delete(e.books, k)
		}
	}
	delete(e.pools, marketID)
	delete(e.poolLocks, marketID)
}

func (e *Engine) entryFor(o domain.Order) *bookEntry {
	display := o.Remaining()
	hidden := 0.0
	displayQty := 0.0
	if o.Type == domain.OrderTypeIceberg && o.DisplayQuantity > 0 {
		displayQty = o.DisplayQuantity
		if display > displayQty {
			hidden = display - displayQty
			display = displayQty
		}
	}
	return &bookEntry{
		orderID:    o.ID,
		userID:     o.UserID,
		side:       o.Side,
		price:      o.Price,
		display:    display,
		hidden:     hidden,
		displayQty: displayQty,
		addedAt:    o.CreatedAt,
		arrival:    e.arrival.Add(1),
	}
}

func isTriggerType(t domain.OrderType) bool {
	switch t {
	case domain.OrderTypeStopLoss, domain.OrderTypeTakeProfit, domain.OrderTypeTrailingStop:
		return true
	}
	return false
}

// Submit runs an accepted order through matching. Trigger orders park until
// their condition fires. The returned order reflects post-matching state.
//
// Submit is invoked fire-and-forget after placement commits; an error here
// leaves the order in its last consistent status for a later retry, it never
// unwinds the placement.
func (e *Engine) Submit(ctx context.Context, orderID string) (domain.Order, error) {
	o, err := e.cfg.Orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("engine: submit %s: %w", orderID, err)
	}
	if o.Status.Terminal() || o.Status == domain.OrderStatusCancelling {
		return o, nil
	}

	market, err := e.cfg.Markets.GetByID(ctx, o.MarketID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("engine: submit %s: %w", orderID, err)
	}

	mlock := e.marketLock(o.MarketID)
	mlock.RLock()
	defer mlock.RUnlock()

	mb := e.bookFor(bookKey{o.MarketID, o.Outcome})
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if isTriggerType(o.Type) {
		mb.parked = append(mb.parked, newParked(o))
		e.logger.Debug("order parked awaiting trigger",
			slog.String("order_id", o.ID),
			slog.String("type", string(o.Type)),
		)
		return o, nil
	}

	o, err = e.matchLocked(ctx, mb, market, o)
	if err != nil {
		return o, err
	}
	e.sweepTriggersLocked(ctx, mb, market)
	e.publishBook(ctx, mb, market.ID, o.Outcome)
	return o, nil
}

// matchLocked walks the book for the aggressor, consults the AMM for any
// remainder, then applies the time-in-force policy. Caller holds mb.mu and
// the shared market lock.
func (e *Engine) matchLocked(ctx context.Context, mb *marketBook, market domain.Market, o domain.Order) (domain.Order, error) {
	if market.AMMEnabled {
		// Pin the shared pool so the FOK pre-check's quote still holds when
		// the remainder reaches ammFill.
		lock := e.poolLock(market.ID)
		lock.Lock()
		defer lock.Unlock()
	}

	// FOK is all-or-nothing: verify capacity across book and AMM before
	// executing anything.
	if o.TIF == domain.TIFFOK && !e.canFillAll(mb, market, o) {
		return e.cancelRemainderLocked(ctx, mb, o, domain.OrderStatusCancelled)
	}

	now := time.Now().UTC()
	for o.Remaining() > epsilon {
		entry := mb.book.front(o)
		if entry == nil {
			break
		}
		var err error
		o, err = e.executeBookTrade(ctx, mb, &o, entry, now)
		if err != nil {
			// Deliberate partial-failure policy: the order keeps its last
			// consistent status and a background sweep retries.
			e.logger.Error("trade execution failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			return o, err
		}
	}

	if o.Remaining() > epsilon && market.AMMEnabled {
		var err error
		o, err = e.ammFill(ctx, mb, market, o)
		if err != nil {
			return o, err
		}
	}

	if o.Remaining() <= epsilon {
		return o, nil
	}

	// Remainder policy by time-in-force and type. A priceless order (market,
	// or a trigger activated without a limit) can never rest.
	switch {
	case o.TIF == domain.TIFIOC, o.TIF == domain.TIFFOK,
		o.Type == domain.OrderTypeMarket, o.Price == 0:
		return e.cancelRemainderLocked(ctx, mb, o, domain.OrderStatusCancelled)
	default:
		mb.book.add(e.entryFor(o))
		return o, nil
	}
}

// executeBookTrade trades the aggressor against the best resting entry at
// the resting order's price (maker pricing).
func (e *Engine) executeBookTrade(ctx context.Context, mb *marketBook, aggr *domain.Order, entry *bookEntry, now time.Time) (domain.Order, error) {
	maker, err := e.cfg.Orders.GetByID(ctx, entry.orderID)
	if err != nil {
		return *aggr, fmt.Errorf("engine: load maker %s: %w", entry.orderID, err)
	}

	qty := math.Min(aggr.Remaining(), entry.display)
	price := entry.price
	cost := price * qty

	var buyer, seller *domain.Order
	if aggr.Side == domain.OrderSideBuy {
		buyer, seller = aggr, &maker
	} else {
		buyer, seller = &maker, aggr
	}

	// Fund and share movement: buyer pays from frozen funds, receives
	// shares; seller's frozen shares are consumed, proceeds arrive in the
	// seller's available balance.
	if err := e.cfg.Ledger.Transfer(ctx, buyer.UserID, seller.UserID, cost); err != nil {
		return *aggr, fmt.Errorf("engine: transfer %s->%s: %w", buyer.UserID, seller.UserID, err)
	}
	if err := e.cfg.Positions.ConsumeFrozen(ctx, seller.UserID, aggr.MarketID, aggr.Outcome, qty); err != nil {
		return *aggr, fmt.Errorf("engine: consume seller shares: %w", err)
	}
	if err := e.cfg.Positions.Apply(ctx, buyer.UserID, aggr.MarketID, aggr.Outcome, qty); err != nil {
		return *aggr, fmt.Errorf("engine: credit buyer shares: %w", err)
	}
	buyer.FrozenRemaining -= cost
	seller.FrozenRemaining -= qty

	tradeSeq := e.seq.Next()
	trade := domain.Trade{
		ID:           uuid.New().String(),
		MarketID:     aggr.MarketID,
		Outcome:      aggr.Outcome,
		MakerOrderID: maker.ID,
		TakerOrderID: aggr.ID,
		MakerUserID:  maker.UserID,
		TakerUserID:  aggr.UserID,
		Price:        price,
		Quantity:     qty,
		Sequence:     tradeSeq,
		ExecutedAt:   now,
	}
	if err := e.cfg.Trades.Insert(ctx, trade); err != nil {
		return *aggr, fmt.Errorf("engine: insert trade: %w", err)
	}

	mb.book.consume(entry, qty, e.arrival.Add(1), now)
	mb.lastPrice = price

	if err := e.applyFill(ctx, &maker, trade, tradeSeq, now); err != nil {
		return *aggr, err
	}
	if err := e.applyFill(ctx, aggr, trade, tradeSeq, now); err != nil {
		return *aggr, err
	}
	return *aggr, nil
}

// applyFill records a trade against one of its orders: filled quantity,
// status thresholds, leftover freeze release on completion, change-log
// event, and the fill notification. Terminal transitions draw their own
// sequence number on top of the trade's.
func (e *Engine) applyFill(ctx context.Context, o *domain.Order, trade domain.Trade, tradeSeq uint64, now time.Time) error {
	o.FilledQuantity += trade.Quantity
	seq := tradeSeq

	if o.Remaining() <= epsilon {
		o.Status = domain.OrderStatusFilled
		o.FilledAt = &now
		seq = e.seq.Next()
		if err := e.releaseLeftover(ctx, *o); err != nil {
			e.logger.Error("leftover release failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
		o.FrozenRemaining = 0
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
	o.Sequence = seq
	o.UpdatedAt = now

	if err := e.cfg.Orders.Update(ctx, *o); err != nil {
		return fmt.Errorf("engine: update order %s: %w", o.ID, err)
	}
	if err := e.cfg.Events.Append(ctx, domain.OrderEvent{
		OrderID:  o.ID,
		Kind:     domain.OrderEventFill,
		Quantity: trade.Quantity,
		Price:    trade.Price,
		Status:   o.Status,
		Sequence: seq,
		At:       now,
	}); err != nil {
		return fmt.Errorf("engine: append fill event: %w", err)
	}

	e.publishJSON(ctx, domain.ChannelOrderFilled, domain.OrderFilledEvent{
		OrderID:  o.ID,
		MarketID: o.MarketID,
		Outcome:  o.Outcome,
		Price:    trade.Price,
		Quantity: trade.Quantity,
		Status:   string(o.Status),
		Sequence: seq,
		At:       now,
	})
	return nil
}

// releaseLeftover returns whatever remains frozen for a terminal order: cash
// for buys (an aggressor that filled below its limit has excess), shares for
// sells.
func (e *Engine) releaseLeftover(ctx context.Context, o domain.Order) error {
	if o.FrozenRemaining <= epsilon {
		return nil
	}
	if o.Side == domain.OrderSideBuy {
		return e.cfg.Ledger.Release(ctx, o.UserID, o.FrozenRemaining)
	}
	return e.cfg.Positions.Release(ctx, o.UserID, o.MarketID, o.Outcome, o.FrozenRemaining)
}

// ammFill fills the remainder against the LMSR pool when the price works:
// any price for market orders, average price within the limit otherwise.
func (e *Engine) ammFill(ctx context.Context, mb *marketBook, market domain.Market, o domain.Order) (domain.Order, error) {
	pool := e.pool(market.ID)
	if pool == nil {
		return o, nil
	}
	rem := o.Remaining()
	now := time.Now().UTC()

	signed := rem
	if o.Side == domain.OrderSideSell {
		signed = -rem
	}
	cost, avg, err := pool.Quote(o.Outcome, signed)
	if err != nil {
		return o, fmt.Errorf("engine: amm quote: %w", err)
	}
	if o.Type != domain.OrderTypeMarket && o.Price > 0 {
		if o.Side == domain.OrderSideBuy && avg > o.Price+epsilon {
			return o, nil
		}
		if o.Side == domain.OrderSideSell && avg < o.Price-epsilon {
			return o, nil
		}
	}
	if o.Side == domain.OrderSideBuy && cost > o.FrozenRemaining+epsilon {
		// The frozen budget cannot cover the convex cost; leave the
		// remainder to the time-in-force policy.
		return o, nil
	}

	if _, err := pool.Apply(o.Outcome, signed); err != nil {
		return o, fmt.Errorf("engine: amm apply: %w", err)
	}

	if o.Side == domain.OrderSideBuy {
		if err := e.cfg.Ledger.Transfer(ctx, o.UserID, domain.AMMCounterparty, cost); err != nil {
			return o, fmt.Errorf("engine: amm debit: %w", err)
		}
		if err := e.cfg.Positions.Apply(ctx, o.UserID, o.MarketID, o.Outcome, rem); err != nil {
			return o, fmt.Errorf("engine: amm credit shares: %w", err)
		}
		o.FrozenRemaining -= cost
	} else {
		proceeds := -cost // selling has negative cost
		if err := e.cfg.Positions.ConsumeFrozen(ctx, o.UserID, o.MarketID, o.Outcome, rem); err != nil {
			return o, fmt.Errorf("engine: amm consume shares: %w", err)
		}
		if err := e.cfg.Ledger.Credit(ctx, o.UserID, proceeds); err != nil {
			return o, fmt.Errorf("engine: amm proceeds: %w", err)
		}
		o.FrozenRemaining -= rem
	}

	tradeSeq := e.seq.Next()
	trade := domain.Trade{
		ID:           uuid.New().String(),
		MarketID:     o.MarketID,
		Outcome:      o.Outcome,
		MakerOrderID: domain.AMMCounterparty,
		TakerOrderID: o.ID,
		MakerUserID:  domain.AMMCounterparty,
		TakerUserID:  o.UserID,
		Price:        avg,
		Quantity:     rem,
		Sequence:     tradeSeq,
		ExecutedAt:   now,
	}
	if err := e.cfg.Trades.Insert(ctx, trade); err != nil {
		return o, fmt.Errorf("engine: insert amm trade: %w", err)
	}
	mb.lastPrice = avg

	if err := e.applyFill(ctx, &o, trade, tradeSeq, now); err != nil {
		return o, err
	}
	e.refreshMarketPrices(ctx, market, pool)
	return o, nil
}

// refreshMarketPrices writes the pool's exact price vector back to the
// market row. The LMSR guarantees the sum is 1.0, so the market price-sum
// invariant holds by construction.
func (e *Engine) refreshMarketPrices(ctx context.Context, market domain.Market, pool *amm.Pool) {
	market.Prices = pool.Prices()
	market.UpdatedAt = time.Now().UTC()
	if err := e.cfg.Markets.Update(ctx, market); err != nil {
		e.logger.Error("market price refresh failed",
			slog.String("market_id", market.ID),
			slog.String("error", err.Error()),
		)
	}
}

// canFillAll checks whether the full remaining quantity is executable across
// book depth and, when enabled and price-compatible, the AMM.
func (e *Engine) canFillAll(mb *marketBook, market domain.Market, o domain.Order) bool {
	need := o.Remaining()
	need -= mb.book.compatibleDepth(o)
	if need <= epsilon {
		return true
	}
	if !market.AMMEnabled {
		return false
	}
	pool := e.pool(market.ID)
	if pool == nil {
		return false
	}
	signed := need
	if o.Side == domain.OrderSideSell {
		signed = -need
	}
	cost, avg, err := pool.Quote(o.Outcome, signed)
	if err != nil {
		return false
	}
	if o.Type == domain.OrderTypeMarket || o.Price == 0 {
		return o.Side != domain.OrderSideBuy || cost <= o.FrozenRemaining+epsilon
	}
	if o.Side == domain.OrderSideBuy {
		return avg <= o.Price+epsilon && cost <= o.FrozenRemaining+epsilon
	}
	return avg >= o.Price-epsilon
}

// cancelRemainderLocked moves an order's remainder to cancelled, releasing
// its frozen funds/shares. Used by IOC/FOK/market remainders; also the final
// step of explicit cancellation. Caller holds mb.mu.
func (e *Engine) cancelRemainderLocked(ctx context.Context, mb *marketBook, o domain.Order, terminal domain.OrderStatus) (domain.Order, error) {
	now := time.Now().UTC()
	mb.book.remove(o.ID)
	mb.parked = removeParked(mb.parked, o.ID)

	remainder := o.Remaining()
	if remainder > epsilon {
		if err := e.releaseLeftover(ctx, o); err != nil {
			e.logger.Error("remainder release failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	o.CancelledQuantity += remainder
	o.FrozenRemaining = 0
	o.Status = terminal
	if terminal == domain.OrderStatusCancelled {
		o.CancelledAt = &now
	}
	o.Sequence = e.seq.Next()
	o.UpdatedAt = now

	if err := e.cfg.Orders.Update(ctx, o); err != nil {
		return o, fmt.Errorf("engine: update cancelled order %s: %w", o.ID, err)
	}

	kind := domain.OrderEventCancelled
	if terminal == domain.OrderStatusExpired {
		kind = domain.OrderEventExpired
	}
	if err := e.cfg.Events.Append(ctx, domain.OrderEvent{
		OrderID:  o.ID,
		Kind:     kind,
		Quantity: remainder,
		Status:   o.Status,
		Sequence: o.Sequence,
		At:       now,
	}); err != nil {
		return o, fmt.Errorf("engine: append cancel event: %w", err)
	}
	return o, nil
}

// Cancel requests cancellation of an order. The caller observes `cancelling`
// semantics: a fill racing this call wins for the quantity it matched, and
// cancellation applies to the remainder only. Returns the final order and
// the durable cancel record used for signed confirmations.
func (e *Engine) Cancel(ctx context.Context, orderID string) (domain.Order, *domain.CancelRecord, error) {
	o, err := e.cfg.Orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, nil, err
	}
	if o.Status.Terminal() {
		return o, nil, nil
	}

	mlock := e.marketLock(o.MarketID)
	mlock.RLock()
	defer mlock.RUnlock()

	now := time.Now().UTC()

	// Mark cancelling before contending for the book so observers see the
	// intermediate state; any fill that already holds the book lock still
	// wins for its quantity.
	o.Status = domain.OrderStatusCancelling
	o.Sequence = e.seq.Next()
	o.UpdatedAt = now
	if err := e.cfg.Orders.Update(ctx, o); err != nil {
		return o, nil, fmt.Errorf("engine: mark cancelling %s: %w", orderID, err)
	}
	if err := e.cfg.Events.Append(ctx, domain.OrderEvent{
		OrderID:  o.ID,
		Kind:     domain.OrderEventCancelRequested,
		Status:   o.Status,
		Sequence: o.Sequence,
		At:       now,
	}); err != nil {
		return o, nil, fmt.Errorf("engine: append cancel request: %w", err)
	}

	mb := e.bookFor(bookKey{o.MarketID, o.Outcome})
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Reload: fills may have landed between the request and the lock.
	o, err = e.cfg.Orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, nil, err
	}
	if o.Status.Terminal() {
		return o, nil, nil
	}

	o, err = e.cancelRemainderLocked(ctx, mb, o, domain.OrderStatusCancelled)
	if err != nil {
		return o, nil, err
	}

	rec := domain.CancelRecord{
		ID:                uuid.New().String(),
		OrderID:           o.ID,
		CancelledQuantity: o.CancelledQuantity,
		Sequence:          o.Sequence,
		At:                now,
	}
	if err := e.cfg.Events.CreateCancelRecord(ctx, rec); err != nil {
		return o, nil, fmt.Errorf("engine: create cancel record: %w", err)
	}

	e.publishJSON(ctx, domain.ChannelOrderCancel, rec)
	e.publishBook(ctx, mb, o.MarketID, o.Outcome)
	return o, &rec, nil
}

// CancelAllOpen cancels every open order on the market, releasing remaining
// frozen funds and shares, and writes a cancel record for each so signed
// confirmations stay available. The caller must already hold the market's
// exclusive lock; settlement calls this before computing payouts.
func (e *Engine) CancelAllOpen(ctx context.Context, marketID string) (int, error) {
	open, err := e.cfg.Orders.ListOpenByMarket(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("engine: list open orders for %s: %w", marketID, err)
	}
	cancelled := 0
	for _, o := range open {
		if o.Status.Terminal() {
			continue
		}
		mb := e.bookFor(bookKey{o.MarketID, o.Outcome})
		mb.mu.Lock()
		o, err = e.cancelRemainderLocked(ctx, mb, o, domain.OrderStatusCancelled)
		if err != nil {
			mb.mu.Unlock()
			return cancelled, err
		}
		rec := domain.CancelRecord{
			ID:                uuid.New().String(),
			OrderID:           o.ID,
			CancelledQuantity: o.CancelledQuantity,
			Sequence:          o.Sequence,
			At:                o.UpdatedAt,
		}
		if err := e.cfg.Events.CreateCancelRecord(ctx, rec); err != nil {
			mb.mu.Unlock()
			return cancelled, fmt.Errorf("engine: create cancel record: %w", err)
		}
		mb.mu.Unlock()
		cancelled++
	}
	return cancelled, nil
}

// ExpireDue transitions DAY/GTD orders past their deadline to expired,
// releasing their remaining frozen funds. Returns the number of orders
// expired. Driven by a periodic sweep in the app layer.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	e.mu.Lock()
	keys := make([]bookKey, 0, len(e.books))
	for k := range e.books {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	expired := 0
	for _, key := range keys {
		open, err := e.cfg.Orders.ListOpenByMarket(ctx, key.marketID)
		if err != nil {
			return expired, fmt.Errorf("engine: expire sweep %s: %w", key.marketID, err)
		}
		mlock := e.marketLock(key.marketID)
		mlock.RLock()
		mb := e.bookFor(key)
		mb.mu.Lock()
		for _, o := range open {
			if o.Outcome != key.outcome || o.ExpiresAt == nil || o.ExpiresAt.After(now) {
				continue
			}
			if o.Status.Terminal() {
				continue
			}
			if _, err := e.cancelRemainderLocked(ctx, mb, o, domain.OrderStatusExpired); err != nil {
				e.logger.Error("expiry failed",
					slog.String("order_id", o.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			expired++
		}
		mb.mu.Unlock()
		mlock.RUnlock()
	}
	return expired, nil
}

// Depth returns the aggregated ladder for one outcome, consistent with the
// latest committed trade: it reads under the same lock matching writes.
func (e *Engine) Depth(marketID string, outcome, levels int) domain.DepthSnapshot {
	if levels <= 0 {
		levels = 10
	}
	mb := e.bookFor(bookKey{marketID, outcome})
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return e.depthLocked(mb, marketID, outcome, levels)
}

func (e *Engine) depthLocked(mb *marketBook, marketID string, outcome, levels int) domain.DepthSnapshot {
	bids, asks := mb.book.depth(levels)
	snap := domain.DepthSnapshot{
		MarketID:  marketID,
		Outcome:   outcome,
		Bids:      bids,
		Asks:      asks,
		Sequence:  e.seq.Current(),
		Timestamp: time.Now().UTC(),
	}
	if len(bids) > 0 {
		snap.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[0].Price
	}
	if snap.BestBid > 0 && snap.BestAsk > 0 {
		snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
	}
	return snap
}

// publishBook pushes the current ladder to the depth cache and the book
// changed channel. Best effort; failures are logged, never propagated.
func (e *Engine) publishBook(ctx context.Context, mb *marketBook, marketID string, outcome int) {
	snap := e.depthLocked(mb, marketID, outcome, 20)
	if e.cfg.DepthCache != nil {
		if err := e.cfg.DepthCache.SetSnapshot(ctx, marketID, outcome, snap); err != nil {
			e.logger.Warn("depth cache update failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.publishJSON(ctx, domain.ChannelBookChanged, domain.BookChangedEvent{
		MarketID: marketID,
		Outcome:  outcome,
		Sequence: snap.Sequence,
		At:       snap.Timestamp,
	})
}

func (e *Engine) publishJSON(ctx context.Context, channel string, v any) {
	if e.cfg.Bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.cfg.Bus.Publish(ctx, channel, payload); err != nil {
		e.logger.Warn("event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
