package engine

import (
	"sort"
	"time"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// bookKey addresses one side-pair of resting liquidity: one outcome of one
// market.
type bookKey struct {
	marketID string
	outcome  int
}

// bookEntry is a resting order's footprint in the book. display is what the
// matcher can see and consume; hidden is the iceberg reserve that replenishes
// display when it runs out.
type bookEntry struct {
	orderID    string
	userID     string
	side       domain.OrderSide
	price      float64
	display    float64
	hidden     float64
	displayQty float64 // iceberg tranche size, zero for plain orders
	addedAt    time.Time
	arrival    uint64 // strict tiebreaker when timestamps collide
}

func (e *bookEntry) remaining() float64 { return e.display + e.hidden }

// priceLevel groups entries at one price, FIFO by arrival.
type priceLevel struct {
	price   float64
	entries []*bookEntry
}

func (l *priceLevel) size() float64 {
	s := 0.0
	for _, e := range l.entries {
		s += e.display
	}
	return s
}

// book holds the resting orders for one (market, outcome). Bids are kept
// descending by price, asks ascending, both FIFO within a level. All access
// goes through the engine, which serializes matching per book.
type book struct {
	bids    []*priceLevel // best (highest) first
	asks    []*priceLevel // best (lowest) first
	byOrder map[string]*bookEntry
}

func newBook() *book {
	return &book{byOrder: make(map[string]*bookEntry)}
}

// add inserts a resting entry preserving price-time priority.
func (b *book) add(e *bookEntry) {
	b.byOrder[e.orderID] = e
	if e.side == domain.OrderSideBuy {
		b.bids = insertLevel(b.bids, e, func(a, b float64) bool { return a > b })
	} else {
		b.asks = insertLevel(b.asks, e, func(a, b float64) bool { return a < b })
	}
}

// insertLevel places e into levels sorted by better(price, level.price),
// appending to the level's FIFO queue when the price level already exists.
func insertLevel(levels []*priceLevel, e *bookEntry, better func(a, b float64) bool) []*priceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		return !better(levels[i].price, e.price)
	})
	if idx < len(levels) && levels[idx].price == e.price {
		levels[idx].entries = append(levels[idx].entries, e)
		return levels
	}
	lvl := &priceLevel{price: e.price, entries: []*bookEntry{e}}
	levels = append(levels, nil)
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = lvl
	return levels
}

// remove deletes the order's entry from the book. Returns false when the
// order is not resting here.
func (b *book) remove(orderID string) bool {
	e, ok := b.byOrder[orderID]
	if !ok {
		return false
	}
	delete(b.byOrder, orderID)

	levels := &b.asks
	if e.side == domain.OrderSideBuy {
		levels = &b.bids
	}
	for li, lvl := range *levels {
		for ei, cand := range lvl.entries {
			if cand.orderID == orderID {
				lvl.entries = append(lvl.entries[:ei], lvl.entries[ei+1:]...)
				if len(lvl.entries) == 0 {
					*levels = append((*levels)[:li], (*levels)[li+1:]...)
				}
				return true
			}
		}
	}
	return true
}

// opposite returns the levels an aggressor of the given side matches
// against, best first.
func (b *book) opposite(side domain.OrderSide) []*priceLevel {
	if side == domain.OrderSideBuy {
		return b.asks
	}
	return b.bids
}

// compatible reports whether a resting price can trade against an aggressor.
// Market orders accept any resting price.
func compatible(aggr domain.Order, restingPrice float64) bool {
	if aggr.Type == domain.OrderTypeMarket || aggr.Price == 0 {
		return true
	}
	if aggr.Side == domain.OrderSideBuy {
		return restingPrice <= aggr.Price
	}
	return restingPrice >= aggr.Price
}

// front returns the best compatible entry for the aggressor, or nil.
func (b *book) front(aggr domain.Order) *bookEntry {
	opp := b.opposite(aggr.Side)
	if len(opp) == 0 {
		return nil
	}
	lvl := opp[0]
	if !compatible(aggr, lvl.price) {
		return nil
	}
	return lvl.entries[0]
}

// consume reduces the front entry after a trade of qty. When the visible
// tranche is exhausted, an iceberg replenishes and moves to the back of its
// level; a fully-spent entry is removed.
func (b *book) consume(e *bookEntry, qty float64, arrival uint64, now time.Time) {
	e.display -= qty
	if e.display > epsilon {
		return
	}
	if e.hidden > epsilon {
		// Replenish the next tranche and give up time priority.
		b.remove(e.orderID)
		tranche := e.displayQty
		if tranche > e.hidden {
			tranche = e.hidden
		}
		e.display = tranche
		e.hidden -= tranche
		e.addedAt = now
		e.arrival = arrival
		b.add(e)
		return
	}
	b.remove(e.orderID)
}

// compatibleDepth sums the visible quantity the aggressor could take from
// the book at compatible prices. Used for the FOK pre-check.
func (b *book) compatibleDepth(aggr domain.Order) float64 {
	total := 0.0
	for _, lvl := range b.opposite(aggr.Side) {
		if !compatible(aggr, lvl.price) {
			break
		}
		total += lvl.size()
	}
	return total
}

// depth aggregates the ladder for one side, best first, truncated to levels
// entries.
func (b *book) depth(levels int) (bids, asks []domain.DepthLevel) {
	collect := func(src []*priceLevel) []domain.DepthLevel {
		out := make([]domain.DepthLevel, 0, min(levels, len(src)))
		for _, lvl := range src {
			if len(out) == levels {
				break
			}
			out = append(out, domain.DepthLevel{
				Price:      lvl.price,
				Size:       lvl.size(),
				OrderCount: len(lvl.entries),
			})
		}
		return out
	}
	return collect(b.bids), collect(b.asks)
}
