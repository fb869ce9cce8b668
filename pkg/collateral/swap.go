package collateral

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/fixed"
)

// StableSwap is an in-memory Swapper. Each supported stablecoin converts at a fixed
// rate less a fee; the base collateral comes from a reserve account on the base ledger.
type StableSwap struct {
	mu       sync.Mutex
	base     *Ledger
	reserve  common.Address
	feeBps   int64
	rates    map[string]decimal.Decimal
	balances map[string]map[common.Address]decimal.Decimal
}

// NewStableSwap creates a swap paying base collateral out of reserve.
func NewStableSwap(base *Ledger, reserve common.Address, feeBps int64) *StableSwap {
	return &StableSwap{
		base:     base,
		reserve:  reserve,
		feeBps:   feeBps,
		rates:    make(map[string]decimal.Decimal),
		balances: make(map[string]map[common.Address]decimal.Decimal),
	}
}

// AddAsset registers a stablecoin and its conversion rate into the base unit.
func (s *StableSwap) AddAsset(asset string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset = strings.ToUpper(asset)
	s.rates[asset] = rate
	if s.balances[asset] == nil {
		s.balances[asset] = make(map[common.Address]decimal.Decimal)
	}
}

// Credit gives owner amount of an alternate asset.
func (s *StableSwap) Credit(asset string, owner common.Address, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[strings.ToUpper(asset)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	bal[owner] = bal[owner].Add(amount)
	return nil
}

// BalanceOf returns owner's balance of an alternate asset.
func (s *StableSwap) BalanceOf(asset string, owner common.Address) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[strings.ToUpper(asset)][owner].Add(decimal.Zero)
}

func (s *StableSwap) QuoteSwap(_ context.Context, asset string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote(asset, amountIn)
}

func (s *StableSwap) quote(asset string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	rate, ok := s.rates[strings.ToUpper(asset)]
	if !ok {
		return fixed.Zero, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	if amountIn.Sign() <= 0 {
		return fixed.Zero, fmt.Errorf("collateral: swap amount must be positive")
	}
	gross := fixed.Mul(amountIn, rate)
	return gross.Sub(fixed.ApplyBps(gross, s.feeBps)), nil
}

func (s *StableSwap) Swap(ctx context.Context, owner common.Address, asset string, amountIn, minOut decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.quote(asset, amountIn)
	if err != nil {
		return fixed.Zero, err
	}
	if out.LessThan(minOut) {
		return fixed.Zero, fmt.Errorf("collateral: swap out %s below minimum %s", out, minOut)
	}
	bal := s.balances[strings.ToUpper(asset)]
	if bal[owner].LessThan(amountIn) {
		return fixed.Zero, fmt.Errorf("swap %s %s: %w", amountIn, asset, ErrInsufficientBalance)
	}
	if err := s.base.Transfer(ctx, s.reserve, owner, out); err != nil {
		return fixed.Zero, err
	}
	bal[owner] = bal[owner].Sub(amountIn)
	return out, nil
}
