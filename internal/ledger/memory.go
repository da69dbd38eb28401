// Package ledger provides an in-memory implementation of the external
// Ledger port. The real wallet system lives outside this core; this
// implementation backs paper-trading mode and tests the same way the order
// path would run against the production ledger.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/predictcore/internal/domain"
)

type account struct {
	available float64
	frozen    float64
}

// Memory is a thread-safe in-memory ledger with per-user available/frozen
// balances and an implicit house account for credits.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*account
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]*account)}
}

func (m *Memory) account(userID string) *account {
	a, ok := m.accounts[userID]
	if !ok {
		a = &account{}
		m.accounts[userID] = a
	}
	return a
}

// Deposit adds funds to a user's available balance. Paper-trading/test
// helper; not part of the domain.Ledger port.
func (m *Memory) Deposit(userID string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(userID).available += amount
}

// Balance returns the user's available and frozen balances.
func (m *Memory) Balance(userID string) (available, frozen float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(userID)
	return a.available, a.frozen
}

// Freeze reserves amount from the user's available balance.
func (m *Memory) Freeze(ctx context.Context, userID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: freeze negative amount %v", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(userID)
	if a.available < amount {
		return fmt.Errorf("ledger: freeze %.4f for %s with %.4f available: %w",
			amount, userID, a.available, domain.ErrInsufficientBalance)
	}
	a.available -= amount
	a.frozen += amount
	return nil
}

// Release returns frozen funds to the user's available balance.
func (m *Memory) Release(ctx context.Context, userID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: release negative amount %v", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(userID)
	if a.frozen < amount {
		return fmt.Errorf("ledger: release %.4f for %s with %.4f frozen", amount, userID, a.frozen)
	}
	a.frozen -= amount
	a.available += amount
	return nil
}

// Transfer moves amount from the payer's frozen funds to the payee's
// available balance.
func (m *Memory) Transfer(ctx context.Context, from, to string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: transfer negative amount %v", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	payer := m.account(from)
	if payer.frozen < amount {
		return fmt.Errorf("ledger: transfer %.4f from %s with %.4f frozen", amount, from, payer.frozen)
	}
	payer.frozen -= amount
	m.account(to).available += amount
	return nil
}

// Credit adds amount to the user's available balance from the house.
func (m *Memory) Credit(ctx context.Context, userID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: credit negative amount %v", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(userID).available += amount
	return nil
}

// Compile-time interface check.
var _ domain.Ledger = (*Memory)(nil)
