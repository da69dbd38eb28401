package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/predictcore/internal/crypto"
	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/store/memory"
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	orders *memory.OrderStore
	events *memory.EventStore
	signer *crypto.Signer
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		orders: memory.NewOrderStore(),
		events: memory.NewEventStore(),
		signer: signer,
	}
	f.svc = New(f.orders, f.events, signer, slog.New(slog.DiscardHandler))
	return f
}

// seedOrder persists an order and its change log, returning the order.
func (f *fixture) seedOrder(id string, status domain.OrderStatus, filled, cancelled float64, events ...domain.OrderEvent) domain.Order {
	f.t.Helper()
	var last uint64
	for _, ev := range events {
		if ev.Sequence > last {
			last = ev.Sequence
		}
	}
	o := domain.Order{
		ID:                id,
		MarketID:          "mkt-1",
		UserID:            "alice",
		Side:              domain.OrderSideBuy,
		Type:              domain.OrderTypeLimit,
		TIF:               domain.TIFGTC,
		Price:             0.50,
		Quantity:          100,
		FilledQuantity:    filled,
		CancelledQuantity: cancelled,
		Status:            status,
		Sequence:          last,
		CreatedAt:         time.Now().UTC(),
	}
	if err := f.orders.Create(f.ctx, o); err != nil {
		f.t.Fatalf("create order: %v", err)
	}
	for _, ev := range events {
		ev.OrderID = id
		if err := f.events.Append(f.ctx, ev); err != nil {
			f.t.Fatalf("append event: %v", err)
		}
	}
	return o
}

func ev(kind domain.OrderEventKind, seq uint64) domain.OrderEvent {
	return domain.OrderEvent{Kind: kind, Sequence: seq, At: time.Now().UTC()}
}

func TestReconcileReturnsChangesSinceSequence(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("o-1", domain.OrderStatusFilled, 100, 0,
		ev(domain.OrderEventPlaced, 5),
		ev(domain.OrderEventFill, 8),
		ev(domain.OrderEventFill, 12),
	)

	report, err := f.svc.Reconcile(f.ctx, []string{"o-1"}, 5)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(report.Orders))
	}
	entry := report.Orders[0]
	if len(entry.ChangesSince) != 2 {
		t.Fatalf("changes = %d, want 2 (events after seq 5)", len(entry.ChangesSince))
	}
	if !entry.Conflict || report.Conflicts != 1 {
		t.Fatalf("stale client not reported as conflict: %+v", report)
	}
	if entry.ChangesSince[0].Sequence != 8 || entry.ChangesSince[1].Sequence != 12 {
		t.Fatalf("changes out of order: %+v", entry.ChangesSince)
	}

	// A client at the current sequence sees zero conflicts.
	report, err = f.svc.Reconcile(f.ctx, []string{"o-1"}, 12)
	if err != nil {
		t.Fatalf("reconcile current: %v", err)
	}
	if report.Conflicts != 0 || len(report.Orders[0].ChangesSince) != 0 {
		t.Fatalf("up-to-date client reported stale: %+v", report)
	}
}

func TestReconcileMonotonicity(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("o-1", domain.OrderStatusPartiallyFilled, 40, 0,
		ev(domain.OrderEventPlaced, 3),
		ev(domain.OrderEventFill, 7),
		ev(domain.OrderEventFill, 9),
		ev(domain.OrderEventFill, 14),
	)

	prev := -1
	for _, since := range []uint64{0, 3, 7, 9, 14, 20} {
		report, err := f.svc.Reconcile(f.ctx, []string{"o-1"}, since)
		if err != nil {
			t.Fatalf("reconcile since %d: %v", since, err)
		}
		n := len(report.Orders[0].ChangesSince)
		if prev >= 0 && n > prev {
			t.Fatalf("change list grew from %d to %d as client sequence advanced", prev, n)
		}
		prev = n
	}
	if prev != 0 {
		t.Fatalf("client past current sequence still sees %d changes", prev)
	}
}

func TestReconcileTruncatesLargeBatches(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 0, MaxOrderIDs+50)
	for i := 0; i < MaxOrderIDs+50; i++ {
		id := fmt.Sprintf("o-%d", i)
		f.seedOrder(id, domain.OrderStatusOpen, 0, 0, ev(domain.OrderEventPlaced, uint64(i+1)))
		ids = append(ids, id)
	}

	report, err := f.svc.Reconcile(f.ctx, ids, 1_000_000)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Truncated {
		t.Fatalf("oversized batch not flagged truncated")
	}
	if len(report.Orders) != MaxOrderIDs {
		t.Fatalf("orders = %d, want %d", len(report.Orders), MaxOrderIDs)
	}
}

func TestReconcileUnknownOrder(t *testing.T) {
	f := newFixture(t)
	report, err := f.svc.Reconcile(f.ctx, []string{"ghost"}, 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	entry := report.Orders[0]
	if !entry.Conflict || entry.SuggestedAction != ActionUnknownOrder {
		t.Fatalf("unknown order entry = %+v", entry)
	}
}

func TestSuggestedActions(t *testing.T) {
	f := newFixture(t)
	f.seedOrder("filled-vs-cancel", domain.OrderStatusFilled, 100, 0,
		ev(domain.OrderEventFill, 10),
		ev(domain.OrderEventCancelRequested, 11),
		ev(domain.OrderEventFill, 12),
	)
	f.seedOrder("partial-then-cancel", domain.OrderStatusCancelled, 30, 70,
		ev(domain.OrderEventFill, 20),
		ev(domain.OrderEventCancelled, 21),
	)
	f.seedOrder("cancelling", domain.OrderStatusCancelling, 0, 0,
		ev(domain.OrderEventCancelRequested, 30),
	)
	f.seedOrder("expired", domain.OrderStatusExpired, 0, 100,
		ev(domain.OrderEventExpired, 40),
	)

	want := map[string]string{
		"filled-vs-cancel":    ActionFillTakesPrecedence,
		"partial-then-cancel": ActionPartialThenCancel,
		"cancelling":          ActionAwaitConfirmation,
		"expired":             ActionTerminal,
	}
	report, err := f.svc.Reconcile(f.ctx, []string{
		"filled-vs-cancel", "partial-then-cancel", "cancelling", "expired",
	}, 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, entry := range report.Orders {
		if entry.SuggestedAction != want[entry.OrderID] {
			t.Fatalf("%s: action = %q, want %q", entry.OrderID, entry.SuggestedAction, want[entry.OrderID])
		}
	}
}

func TestConfirmationSignatureRoundTrip(t *testing.T) {
	f := newFixture(t)
	rec := domain.CancelRecord{
		ID:                "rec-1",
		OrderID:           "o-1",
		CancelledQuantity: 60,
		Sequence:          42,
		At:                time.Now().UTC(),
	}
	if err := f.events.CreateCancelRecord(f.ctx, rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	conf, err := f.svc.ConfirmCancellation(f.ctx, "rec-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.Algorithm != SignatureAlgorithm || conf.Signer != f.signer.Address() {
		t.Fatalf("confirmation metadata = %+v", conf)
	}

	var payload struct {
		OrderID  string `json:"order_id"`
		Sequence uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(conf.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "o-1" || payload.Sequence != 42 {
		t.Fatalf("payload = %+v", payload)
	}

	ok, err := VerifyConfirmation(conf, f.signer.Address())
	if err != nil || !ok {
		t.Fatalf("verify = %v, %v; want true", ok, err)
	}

	other, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ok, err = VerifyConfirmation(conf, other.Address())
	if err != nil || ok {
		t.Fatalf("foreign address verified")
	}

	tampered := conf
	tampered.Data = append([]byte{}, conf.Data...)
	tampered.Data[len(tampered.Data)-2]++
	ok, _ = VerifyConfirmation(tampered, f.signer.Address())
	if ok {
		t.Fatalf("tampered payload verified")
	}

	if _, err := f.svc.ConfirmCancellation(f.ctx, "missing"); err == nil {
		t.Fatalf("missing record confirmed")
	}
}
