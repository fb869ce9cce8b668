// Package domain holds the error taxonomy and event types shared by every AMM component.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation rejects malformed input (bad position, outcome code, leg list, amount).
	ErrValidation = errors.New("validation error")
	// ErrCapExceeded rejects trades and deposits that would breach a configured cap.
	ErrCapExceeded = errors.New("cap exceeded")
	// ErrSlippageExceeded rejects a quote worse than the caller's bound.
	ErrSlippageExceeded = errors.New("slippage exceeded")
	// ErrState rejects an operation that is not allowed in the current phase.
	ErrState = errors.New("invalid state")
	// ErrInsufficientLiquidity rejects trades the round balance cannot collateralize.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrNotWhitelisted        = errors.New("not whitelisted")
	ErrInsufficientStake     = errors.New("insufficient stake")
	ErrNotFound              = errors.New("not found")

	// ErrDepositCapExceeded is a cap violation, so errors.Is(err, ErrCapExceeded) also holds.
	ErrDepositCapExceeded = fmt.Errorf("%w: deposit cap", ErrCapExceeded)
)

// Class maps an error onto a short label used by metrics and the HTTP API.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDepositCapExceeded):
		return "deposit_cap_exceeded"
	case errors.Is(err, ErrCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage_exceeded"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrNotWhitelisted):
		return "not_whitelisted"
	case errors.Is(err, ErrInsufficientStake):
		return "insufficient_stake"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
