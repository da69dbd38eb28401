package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/alanyoungcy/predictcore/internal/domain"
	"github.com/alanyoungcy/predictcore/internal/engine"
	"github.com/alanyoungcy/predictcore/internal/ledger"
	"github.com/alanyoungcy/predictcore/internal/store/memory"
)

func newMarketService(t *testing.T) (*MarketService, *memory.MarketStore) {
	t.Helper()
	markets := memory.NewMarketStore()
	eng := engine.New(engine.Config{
		Markets:   markets,
		Orders:    memory.NewOrderStore(),
		Trades:    memory.NewTradeStore(),
		Positions: memory.NewPositionStore(),
		Events:    memory.NewEventStore(),
		Ledger:    ledger.NewMemory(),
	})
	return NewMarketService(markets, eng, slog.New(slog.DiscardHandler)), markets
}

func TestCreateMarketDefaults(t *testing.T) {
	svc, _ := newMarketService(t)

	m, err := svc.CreateMarket(context.Background(), CreateMarketRequest{
		Question: "Will the launch slip to Q4?",
		Outcomes: []string{"Yes", "No", "Scrubbed"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != domain.MarketStatusActive {
		t.Fatalf("status = %s, want active", m.Status)
	}
	if m.Slug != "will-the-launch-slip-to-q4" {
		t.Fatalf("slug = %q", m.Slug)
	}
	if m.LiquidityB != DefaultLiquidityB {
		t.Fatalf("liquidity = %.2f, want default", m.LiquidityB)
	}
	for i, p := range m.Prices {
		if math.Abs(p-1.0/3.0) > 1e-9 {
			t.Fatalf("price[%d] = %.4f, want uniform third", i, p)
		}
	}
}

func TestCreateMarketValidation(t *testing.T) {
	svc, _ := newMarketService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateMarketRequest
	}{
		{"no question", CreateMarketRequest{Outcomes: []string{"Yes", "No"}}},
		{"one outcome", CreateMarketRequest{Question: "q", Outcomes: []string{"Yes"}}},
		{"blank outcome", CreateMarketRequest{Question: "q", Outcomes: []string{"Yes", " "}}},
		{"price out of range", CreateMarketRequest{
			Question: "q", Outcomes: []string{"Yes", "No"}, Prices: []float64{1.0, 0.0},
		}},
		{"prices break the sum tolerance", CreateMarketRequest{
			Question: "q", Outcomes: []string{"Yes", "No"}, Prices: []float64{0.8, 0.4},
		}},
		{"price count mismatch", CreateMarketRequest{
			Question: "q", Outcomes: []string{"Yes", "No"}, Prices: []float64{0.5},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateMarket(ctx, tc.req); err == nil {
				t.Fatalf("invalid request accepted")
			}
		})
	}
}

func TestUpdatePricesGuards(t *testing.T) {
	svc, markets := newMarketService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, CreateMarketRequest{
		Question: "q", Outcomes: []string{"Yes", "No"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := svc.UpdatePrices(ctx, m.ID, []float64{0.62, 0.40})
	if err != nil {
		t.Fatalf("update within tolerance: %v", err)
	}
	if math.Abs(updated.Prices[0]-0.62) > 1e-9 {
		t.Fatalf("price not applied: %v", updated.Prices)
	}

	if _, err := svc.UpdatePrices(ctx, m.ID, []float64{0.9, 0.3}); !errors.Is(err, domain.ErrInvalidPrice) {
		t.Fatalf("err = %v, want ErrInvalidPrice", err)
	}

	m.Status = domain.MarketStatusClosed
	if err := markets.Update(ctx, m); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.UpdatePrices(ctx, m.ID, []float64{0.5, 0.5}); !errors.Is(err, domain.ErrMarketClosed) {
		t.Fatalf("err = %v, want ErrMarketClosed", err)
	}
}

func TestResolveMarketGuards(t *testing.T) {
	svc, _ := newMarketService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, CreateMarketRequest{
		Question: "q", Outcomes: []string{"Yes", "No"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.ResolveMarket(ctx, m.ID, 5); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("bad outcome err = %v, want ErrNotFound", err)
	}

	resolved, err := svc.ResolveMarket(ctx, m.ID, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.MarketStatusResolved {
		t.Fatalf("status = %s, want resolved", resolved.Status)
	}
	if resolved.WinningOutcome == nil || *resolved.WinningOutcome != 1 {
		t.Fatalf("winning outcome = %v, want 1", resolved.WinningOutcome)
	}
	if resolved.ClosedAt == nil || resolved.ResolvedAt == nil {
		t.Fatalf("resolve did not stamp close/resolve times")
	}

	if _, err := svc.ResolveMarket(ctx, m.ID, 0); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("double resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestCloseMarketTwice(t *testing.T) {
	svc, _ := newMarketService(t)
	ctx := context.Background()

	m, err := svc.CreateMarket(ctx, CreateMarketRequest{
		Question: "q", Outcomes: []string{"Yes", "No"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CloseMarket(ctx, m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.CloseMarket(ctx, m.ID); !errors.Is(err, domain.ErrMarketClosed) {
		t.Fatalf("second close err = %v, want ErrMarketClosed", err)
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Will BTC close above $100k?", "will-btc-close-above-100k"},
		{"  Spaces   everywhere  ", "spaces-everywhere"},
		{"Already-slugged", "already-slugged"},
	}
	for _, tc := range cases {
		if got := slugify(tc.in); got != tc.want {
			t.Fatalf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
