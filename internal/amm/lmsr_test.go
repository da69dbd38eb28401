package amm

import (
	"math"
	"testing"
)

func TestNewPoolValidation(t *testing.T) {
	if _, err := NewPool(0, 2); err == nil {
		t.Error("NewPool(0, 2) should reject non-positive b")
	}
	if _, err := NewPool(-5, 2); err == nil {
		t.Error("NewPool(-5, 2) should reject negative b")
	}
	if _, err := NewPool(100, 1); err == nil {
		t.Error("NewPool(100, 1) should reject a single outcome")
	}
}

func TestPricesSumToOne(t *testing.T) {
	cases := []struct {
		name string
		b    float64
		q    []float64
	}{
		{"fresh binary", 100, []float64{0, 0}},
		{"skewed binary", 100, []float64{250, -80}},
		{"three outcomes", 50, []float64{10, 40, -5}},
		{"large exposure", 10, []float64{5000, 100}},
		{"extreme exposure", 1, []float64{1e6, 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Restore(tc.b, tc.q)
			if err != nil {
				t.Fatalf("Restore: %v", err)
			}
			prices := p.Prices()
			sum := 0.0
			for i, pr := range prices {
				if pr < 0 || pr > 1 {
					t.Errorf("price[%d] = %v, want in [0,1]", i, pr)
				}
				sum += pr
			}
			if math.Abs(sum-1.0) > Epsilon {
				t.Errorf("sum of prices = %v, want 1.0 within %v", sum, Epsilon)
			}
		})
	}
}

func TestFreshPoolPricesUniform(t *testing.T) {
	p, _ := NewPool(100, 4)
	for i, pr := range p.Prices() {
		if math.Abs(pr-0.25) > Epsilon {
			t.Errorf("price[%d] = %v, want 0.25", i, pr)
		}
	}
}

func TestBuyCostPositiveAndConvex(t *testing.T) {
	p, _ := NewPool(100, 2)

	// Cost per share must strictly increase as cumulative exposure grows.
	prev := 0.0
	for step := 0; step < 10; step++ {
		cost, err := p.Apply(0, 50)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if cost <= 0 {
			t.Fatalf("buy cost at step %d = %v, want > 0", step, cost)
		}
		if step > 0 && cost <= prev+Epsilon {
			t.Errorf("step %d cost %v not greater than previous %v", step, cost, prev)
		}
		prev = cost
	}
}

func TestSellProceedsMirrorBuyCost(t *testing.T) {
	p, _ := NewPool(100, 2)

	buyCost, err := p.Apply(0, 200)
	if err != nil {
		t.Fatalf("Apply buy: %v", err)
	}
	sellCost, err := p.Apply(0, -200)
	if err != nil {
		t.Fatalf("Apply sell: %v", err)
	}
	// Selling back the same quantity from the same state refunds exactly
	// the buy cost.
	if math.Abs(buyCost+sellCost) > Epsilon {
		t.Errorf("round trip cost = %v, want 0", buyCost+sellCost)
	}
}

func TestBuyingMovesPriceUp(t *testing.T) {
	p, _ := NewPool(100, 2)
	before := p.Price(0)
	if _, err := p.Apply(0, 100); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	after := p.Price(0)
	if after <= before {
		t.Errorf("price after buy = %v, want > %v", after, before)
	}
}

func TestQuoteMatchesApply(t *testing.T) {
	p, _ := NewPool(75, 3)
	if _, err := p.Apply(1, 40); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	quoted, avg, err := p.Quote(1, 30)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if avg <= 0 || avg >= 1 {
		t.Errorf("average price = %v, want in (0,1)", avg)
	}

	applied, err := p.Apply(1, 30)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if math.Abs(quoted-applied) > Epsilon {
		t.Errorf("quoted cost %v != applied cost %v", quoted, applied)
	}
}

func TestCostToTradeOutcomeRange(t *testing.T) {
	p, _ := NewPool(100, 2)
	if _, err := p.CostToTrade(-1, 10); err == nil {
		t.Error("CostToTrade(-1) should error")
	}
	if _, err := p.CostToTrade(2, 10); err == nil {
		t.Error("CostToTrade(2) on a binary pool should error")
	}
}

func TestLogSumExpStability(t *testing.T) {
	// Exposures that would overflow a naive exp() sum.
	p, err := Restore(1, []float64{800, 0})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	prices := p.Prices()
	if math.IsNaN(prices[0]) || math.IsInf(prices[0], 0) {
		t.Fatalf("price[0] = %v, want finite", prices[0])
	}
	if prices[0] < 1-1e-6 {
		t.Errorf("price[0] = %v, want ~1 for overwhelming exposure", prices[0])
	}
	cost := p.Cost()
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		t.Errorf("cost = %v, want finite", cost)
	}
}
