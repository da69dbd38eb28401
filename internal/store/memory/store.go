// Package memory implements the domain store interfaces with in-process
// maps. It backs paper-trading mode and the engine/service test suites; the
// production deployment uses the postgres implementations.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

// ---------------------------------------------------------------------------
// MarketStore
// ---------------------------------------------------------------------------

// MarketStore is an in-memory domain.MarketStore.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewMarketStore creates an empty MarketStore.
func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[string]domain.Market)}
}

func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("memory: market %s already exists", m.ID)
	}
	s.markets[m.ID] = m
	return nil
}

func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; !ok {
		return domain.ErrMarketNotFound
	}
	s.markets[m.ID] = m
	return nil
}

func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrMarketNotFound
	}
	return m, nil
}

func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

// ---------------------------------------------------------------------------
// OrderStore
// ---------------------------------------------------------------------------

// OrderStore is an in-memory domain.OrderStore.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	byKey  map[string]string // userID+"\x00"+idempotencyKey -> orderID
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[string]domain.Order),
		byKey:  make(map[string]string),
	}
}

func idemKey(userID, key string) string { return userID + "\x00" + key }

func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("memory: order %s already exists", o.ID)
	}
	if o.IdempotencyKey != "" {
		if _, ok := s.byKey[idemKey(o.UserID, o.IdempotencyKey)]; ok {
			return domain.ErrDuplicateIdempotency
		}
		s.byKey[idemKey(o.UserID, o.IdempotencyKey)] = o.ID
	}
	s.orders[o.ID] = o
	return nil
}

func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return domain.ErrOrderNotFound
	}
	s.orders[o.ID] = o
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (s *OrderStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[idemKey(userID, key)]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return s.orders[id], nil
}

func (s *OrderStore) ListOpenByMarket(ctx context.Context, marketID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.MarketID == marketID && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *OrderStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.UserID == userID && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// ---------------------------------------------------------------------------
// TradeStore
// ---------------------------------------------------------------------------

// TradeStore is an in-memory domain.TradeStore.
type TradeStore struct {
	mu     sync.RWMutex
	trades []domain.Trade
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{}
}

func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			out = append(out, t)
		}
	}
	return paginate(out, opts), nil
}

// ---------------------------------------------------------------------------
// PositionStore
// ---------------------------------------------------------------------------

type positionKey struct {
	userID   string
	marketID string
	outcome  int
}

// PositionStore is an in-memory domain.PositionStore.
type PositionStore struct {
	mu        sync.Mutex
	positions map[positionKey]*domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[positionKey]*domain.Position)}
}

func (s *PositionStore) get(userID, marketID string, outcome int) *domain.Position {
	k := positionKey{userID, marketID, outcome}
	p, ok := s.positions[k]
	if !ok {
		p = &domain.Position{UserID: userID, MarketID: marketID, Outcome: outcome}
		s.positions[k] = p
	}
	return p
}

func (s *PositionStore) Get(ctx context.Context, userID, marketID string, outcome int) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.get(userID, marketID, outcome), nil
}

func (s *PositionStore) Apply(ctx context.Context, userID, marketID string, outcome int, deltaQty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.get(userID, marketID, outcome)
	p.Quantity += deltaQty
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *PositionStore) Freeze(ctx context.Context, userID, marketID string, outcome int, qty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.get(userID, marketID, outcome)
	if p.Available() < qty {
		return fmt.Errorf("memory: freeze %.4f shares with %.4f available: %w",
			qty, p.Available(), domain.ErrInsufficientShares)
	}
	p.FrozenQuantity += qty
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *PositionStore) Release(ctx context.Context, userID, marketID string, outcome int, qty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.get(userID, marketID, outcome)
	if p.FrozenQuantity < qty {
		return fmt.Errorf("memory: release %.4f shares with %.4f frozen", qty, p.FrozenQuantity)
	}
	p.FrozenQuantity -= qty
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *PositionStore) ConsumeFrozen(ctx context.Context, userID, marketID string, outcome int, qty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.get(userID, marketID, outcome)
	if p.FrozenQuantity < qty {
		return fmt.Errorf("memory: consume %.4f shares with %.4f frozen", qty, p.FrozenQuantity)
	}
	p.FrozenQuantity -= qty
	p.Quantity -= qty
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID == out[j].UserID {
			return out[i].Outcome < out[j].Outcome
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// SettlementStore
// ---------------------------------------------------------------------------

// SettlementStore is an in-memory domain.SettlementStore.
type SettlementStore struct {
	mu       sync.RWMutex
	batches  map[string]domain.SettlementBatch // marketID -> batch
	claims   map[string][]domain.SettlementClaim
}

// NewSettlementStore creates an empty SettlementStore.
func NewSettlementStore() *SettlementStore {
	return &SettlementStore{
		batches: make(map[string]domain.SettlementBatch),
		claims:  make(map[string][]domain.SettlementClaim),
	}
}

func (s *SettlementStore) CreateBatch(ctx context.Context, b domain.SettlementBatch, claims []domain.SettlementClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.MarketID]; ok {
		return domain.ErrAlreadySettled
	}
	s.batches[b.MarketID] = b
	s.claims[b.ID] = append([]domain.SettlementClaim(nil), claims...)
	return nil
}

func (s *SettlementStore) GetBatchByMarket(ctx context.Context, marketID string) (domain.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[marketID]
	if !ok {
		return domain.SettlementBatch{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *SettlementStore) ListClaims(ctx context.Context, batchID string) ([]domain.SettlementClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SettlementClaim(nil), s.claims[batchID]...), nil
}

func (s *SettlementStore) MarkClaimCredited(ctx context.Context, claimID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for batchID, claims := range s.claims {
		for i, c := range claims {
			if c.ID == claimID {
				s.claims[batchID][i].CreditedAt = &at
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

// ---------------------------------------------------------------------------
// EventStore
// ---------------------------------------------------------------------------

// EventStore is an in-memory domain.EventStore.
type EventStore struct {
	mu      sync.RWMutex
	events  map[string][]domain.OrderEvent // orderID -> events, ascending
	cancels map[string]domain.CancelRecord
	maxSeq  uint64
}

// NewEventStore creates an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		events:  make(map[string][]domain.OrderEvent),
		cancels: make(map[string]domain.CancelRecord),
	}
}

func (s *EventStore) Append(ctx context.Context, ev domain.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.OrderID] = append(s.events[ev.OrderID], ev)
	if ev.Sequence > s.maxSeq {
		s.maxSeq = ev.Sequence
	}
	return nil
}

func (s *EventStore) ListSince(ctx context.Context, orderID string, afterSeq uint64) ([]domain.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OrderEvent
	for _, ev := range s.events[orderID] {
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *EventStore) MaxSequence(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSeq, nil
}

func (s *EventStore) CreateCancelRecord(ctx context.Context, rec domain.CancelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[rec.ID] = rec
	return nil
}

func (s *EventStore) GetCancelRecord(ctx context.Context, id string) (domain.CancelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cancels[id]
	if !ok {
		return domain.CancelRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func paginate[T any](in []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(in) {
			return nil
		}
		in = in[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(in) {
		in = in[:opts.Limit]
	}
	return in
}

// Compile-time interface checks.
var (
	_ domain.MarketStore     = (*MarketStore)(nil)
	_ domain.OrderStore      = (*OrderStore)(nil)
	_ domain.TradeStore      = (*TradeStore)(nil)
	_ domain.PositionStore   = (*PositionStore)(nil)
	_ domain.SettlementStore = (*SettlementStore)(nil)
	_ domain.EventStore      = (*EventStore)(nil)
)
