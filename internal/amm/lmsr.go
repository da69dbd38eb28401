// Package amm implements the logarithmic market scoring rule (LMSR) cost
// function used to price and fill the unmatched remainder of an order when
// the book lacks depth.
package amm

import (
	"fmt"
	"math"
	"sync"
)

// Epsilon is the comparison tolerance for all LMSR float math.
const Epsilon = 1e-9

// Pool is the LMSR state for one market: a quantity vector q with one
// component per outcome and a fixed liquidity parameter b. Larger b gives a
// deeper, flatter market that moves less per trade.
type Pool struct {
	mu sync.Mutex
	b  float64
	q  []float64
}

// NewPool creates a pool with the given liquidity parameter and outcome
// count. The quantity vector starts at zero, which prices every outcome at
// 1/n.
func NewPool(b float64, outcomes int) (*Pool, error) {
	if b <= 0 {
		return nil, fmt.Errorf("amm: liquidity parameter must be positive, got %v", b)
	}
	if outcomes < 2 {
		return nil, fmt.Errorf("amm: need at least 2 outcomes, got %d", outcomes)
	}
	return &Pool{b: b, q: make([]float64, outcomes)}, nil
}

// Restore creates a pool from a persisted quantity vector.
func Restore(b float64, q []float64) (*Pool, error) {
	p, err := NewPool(b, len(q))
	if err != nil {
		return nil, err
	}
	copy(p.q, q)
	return p, nil
}

// logSumExp computes ln(sum(exp(q_i/b))) with the max subtracted first so
// large exposures cannot overflow.
func logSumExp(q []float64, b float64) float64 {
	maxV := math.Inf(-1)
	for _, v := range q {
		if v/b > maxV {
			maxV = v / b
		}
	}
	sum := 0.0
	for _, v := range q {
		sum += math.Exp(v/b - maxV)
	}
	return maxV + math.Log(sum)
}

// cost is C(q) = b * ln(sum(exp(q_i/b))). Callers hold p.mu.
func (p *Pool) cost(q []float64) float64 {
	return p.b * logSumExp(q, p.b)
}

// Cost returns the current value of the cost function.
func (p *Pool) Cost() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cost(p.q)
}

// Prices returns the instantaneous price vector P_i = exp(q_i/b) / sum_j
// exp(q_j/b). Every component is in (0,1) and the vector sums to 1.
func (p *Pool) Prices() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	lse := logSumExp(p.q, p.b)
	out := make([]float64, len(p.q))
	for i, v := range p.q {
		out[i] = math.Exp(v/p.b - lse)
	}
	return out
}

// Price returns the instantaneous price of outcome i.
func (p *Pool) Price(i int) float64 {
	return p.Prices()[i]
}

// CostToTrade returns the cost of trading delta shares of outcome i without
// mutating the pool: C(q + delta*e_i) - C(q). Buying (positive delta) always
// costs a positive amount; the function is convex in delta, so cost per
// share strictly increases with cumulative exposure.
func (p *Pool) CostToTrade(i int, delta float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.costToTradeLocked(i, delta)
}

func (p *Pool) costToTradeLocked(i int, delta float64) (float64, error) {
	if i < 0 || i >= len(p.q) {
		return 0, fmt.Errorf("amm: outcome %d out of range [0,%d)", i, len(p.q))
	}
	next := make([]float64, len(p.q))
	copy(next, p.q)
	next[i] += delta
	return p.cost(next) - p.cost(p.q), nil
}

// Quote prices a trade of qty shares of outcome i (positive qty buys,
// negative sells) and returns the total cost and the average per-share
// price. For sells the cost is negative: its magnitude is the proceeds.
func (p *Pool) Quote(i int, qty float64) (cost, avgPrice float64, err error) {
	if qty == 0 {
		return 0, 0, fmt.Errorf("amm: quote for zero quantity")
	}
	cost, err = p.CostToTrade(i, qty)
	if err != nil {
		return 0, 0, err
	}
	return cost, math.Abs(cost / qty), nil
}

// Apply executes a trade of qty shares of outcome i against the pool and
// returns the cost exactly as Quote would have priced it.
func (p *Pool) Apply(i int, qty float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cost, err := p.costToTradeLocked(i, qty)
	if err != nil {
		return 0, err
	}
	p.q[i] += qty
	return cost, nil
}

// Quantities returns a copy of the current quantity vector.
func (p *Pool) Quantities() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]float64, len(p.q))
	copy(out, p.q)
	return out
}

// B returns the liquidity parameter.
func (p *Pool) B() float64 { return p.b }
