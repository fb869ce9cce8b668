package collateral

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Ledger is an in-memory Token with ERC20-style allowances.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[common.Address]decimal.Decimal
	allowances map[common.Address]map[common.Address]decimal.Decimal
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[common.Address]decimal.Decimal),
		allowances: make(map[common.Address]map[common.Address]decimal.Decimal),
	}
}

// Mint credits amount to owner.
func (l *Ledger) Mint(owner common.Address, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] = l.balances[owner].Add(amount)
}

// Burn debits amount from owner.
func (l *Ledger) Burn(owner common.Address, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[owner].LessThan(amount) {
		return fmt.Errorf("burn %s from %s: %w", amount, owner.Hex(), ErrInsufficientBalance)
	}
	l.balances[owner] = l.balances[owner].Sub(amount)
	return nil
}

// Approve sets the amount spender may pull from owner.
func (l *Ledger) Approve(owner, spender common.Address, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]decimal.Decimal)
	}
	l.allowances[owner][spender] = amount
}

func (l *Ledger) BalanceOf(_ context.Context, owner common.Address) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[owner].Add(decimal.Zero), nil
}

func (l *Ledger) Allowance(_ context.Context, owner, spender common.Address) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowances[owner][spender].Add(decimal.Zero), nil
}

func (l *Ledger) Transfer(_ context.Context, from, to common.Address, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("transfer negative amount %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

func (l *Ledger) TransferFrom(_ context.Context, spender, from, to common.Address, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("transfer negative amount %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowance := l.allowances[from][spender]
	if allowance.LessThan(amount) {
		return fmt.Errorf("%s pulling %s from %s: %w", spender.Hex(), amount, from.Hex(), ErrInsufficientAllowance)
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	if amount.Sign() > 0 {
		l.allowances[from][spender] = allowance.Sub(amount)
	}
	return nil
}

func (l *Ledger) move(from, to common.Address, amount decimal.Decimal) error {
	if l.balances[from].LessThan(amount) {
		return fmt.Errorf("move %s from %s: %w", amount, from.Hex(), ErrInsufficientBalance)
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// Total returns the sum of all balances.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, b := range l.balances {
		total = total.Add(b)
	}
	return total
}
