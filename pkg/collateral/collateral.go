// Package collateral defines the fungible collateral the AMM settles in, plus an
// in-memory ledger and a stable-swap on-ramp for alternate stablecoins.
package collateral

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance   = errors.New("collateral: insufficient balance")
	ErrInsufficientAllowance = errors.New("collateral: insufficient allowance")
	ErrUnsupportedAsset      = errors.New("collateral: unsupported asset")
)

// Token is the base collateral. Amounts are 18-decimal units.
type Token interface {
	BalanceOf(ctx context.Context, owner common.Address) (decimal.Decimal, error)
	// Transfer moves funds owned by from.
	Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error
	// TransferFrom moves funds of from on behalf of spender, consuming allowance.
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount decimal.Decimal) error
	Allowance(ctx context.Context, owner, spender common.Address) (decimal.Decimal, error)
}

// Swapper converts an alternate stablecoin into the base collateral.
type Swapper interface {
	// QuoteSwap returns how much base collateral amountIn of asset buys.
	QuoteSwap(ctx context.Context, asset string, amountIn decimal.Decimal) (decimal.Decimal, error)
	// Swap debits amountIn of asset from owner and credits the base collateral to owner.
	Swap(ctx context.Context, owner common.Address, asset string, amountIn, minOut decimal.Decimal) (decimal.Decimal, error)
}

// CanPull reports whether spender may pull amount from owner right now.
func CanPull(ctx context.Context, t Token, spender, owner common.Address, amount decimal.Decimal) error {
	bal, err := t.BalanceOf(ctx, owner)
	if err != nil {
		return err
	}
	if bal.LessThan(amount) {
		return ErrInsufficientBalance
	}
	allowance, err := t.Allowance(ctx, owner, spender)
	if err != nil {
		return err
	}
	if allowance.LessThan(amount) {
		return ErrInsufficientAllowance
	}
	return nil
}
