package odds

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
)

var hundred = decimal.NewFromInt(100)

// NormalizedFromAmerican converts American odds into an implied probability.
// +150 -> 100/250 = 0.4, -150 -> 150/250 = 0.6. Zero means the line is not offered
// and maps to a zero probability.
func NormalizedFromAmerican(american int64) (decimal.Decimal, error) {
	switch {
	case american == 0:
		return fixed.Zero, nil
	case american >= 100:
		return fixed.Div(hundred, decimal.NewFromInt(american).Add(hundred)), nil
	case american <= -100:
		a := decimal.NewFromInt(-american)
		return fixed.Div(a, a.Add(hundred)), nil
	default:
		return fixed.Zero, fmt.Errorf("%w: american odds %d inside (-100, 100)", domain.ErrValidation, american)
	}
}

// AmericanToDecimal converts American odds to decimal odds.
// +150 -> 2.5, -150 -> 1.666...
func AmericanToDecimal(american int64) (decimal.Decimal, error) {
	switch {
	case american >= 100:
		return fixed.One.Add(fixed.Div(decimal.NewFromInt(american), hundred)), nil
	case american <= -100:
		return fixed.One.Add(fixed.Div(hundred, decimal.NewFromInt(-american))), nil
	default:
		return fixed.Zero, fmt.Errorf("%w: american odds %d inside (-100, 100)", domain.ErrValidation, american)
	}
}

// DecimalToAmerican converts decimal odds (>= 1) to the nearest American odds.
func DecimalToAmerican(dec decimal.Decimal) (int64, error) {
	if dec.LessThanOrEqual(fixed.One) {
		return 0, fmt.Errorf("%w: decimal odds must be > 1", domain.ErrValidation)
	}
	if dec.GreaterThanOrEqual(fixed.Two) {
		return dec.Sub(fixed.One).Mul(hundred).Round(0).IntPart(), nil
	}
	return fixed.Div(hundred, dec.Sub(fixed.One)).Neg().Round(0).IntPart(), nil
}

// DecimalOdds converts a probability in (0, 1] to decimal odds (1/p).
func DecimalOdds(p decimal.Decimal) (decimal.Decimal, error) {
	if p.Sign() <= 0 || p.GreaterThan(fixed.One) {
		return fixed.Zero, fmt.Errorf("%w: probability %s outside (0, 1]", domain.ErrValidation, p)
	}
	return fixed.Div(fixed.One, p), nil
}

// ImpliedProbability converts decimal odds to a probability (1/odds).
func ImpliedProbability(dec decimal.Decimal) (decimal.Decimal, error) {
	if dec.LessThan(fixed.One) {
		return fixed.Zero, fmt.Errorf("%w: decimal odds must be >= 1", domain.ErrValidation)
	}
	return fixed.Div(fixed.One, dec), nil
}

// Normalize removes the bookmaker margin by scaling implied probabilities to sum to 1.
// Zero entries (lines not offered) stay zero.
func Normalize(probs []decimal.Decimal) ([]decimal.Decimal, error) {
	total := fixed.Zero
	for _, p := range probs {
		if p.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative probability %s", domain.ErrValidation, p)
		}
		total = total.Add(p)
	}
	if total.IsZero() {
		return nil, fmt.Errorf("%w: no odds offered", domain.ErrValidation)
	}
	out := make([]decimal.Decimal, len(probs))
	for i, p := range probs {
		out[i] = fixed.Div(p, total)
	}
	return out, nil
}

// NormalizeAmerican converts a set of American odds for every position of a market.
func NormalizeAmerican(american []int64) ([]decimal.Decimal, error) {
	probs := make([]decimal.Decimal, len(american))
	for i, a := range american {
		p, err := NormalizedFromAmerican(a)
		if err != nil {
			return nil, err
		}
		probs[i] = p
	}
	return Normalize(probs)
}
