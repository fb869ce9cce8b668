// Package odds turns an underlying price model into win probabilities.
//
// Positional (Up/Down) markets use a normal-CDF approximation over
// (spot, strike, days to maturity, implied volatility). Sports markets receive odds
// from an oracle, often in American notation, which american.go normalizes.
package odds

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
)

// Saturation selects what a far out-of-the-money input evaluates to once the
// series can no longer represent the tail.
type Saturation int

const (
	// SaturateExact returns exactly 0 or 1.
	SaturateExact Saturation = iota
	// SaturateSupported returns the configured min/max supported probability.
	SaturateSupported
)

func (s Saturation) String() string {
	switch s {
	case SaturateExact:
		return "exact"
	case SaturateSupported:
		return "supported"
	default:
		return "unknown"
	}
}

// ParseSaturation reads the config spelling of a Saturation.
func ParseSaturation(s string) (Saturation, error) {
	switch s {
	case "", "exact":
		return SaturateExact, nil
	case "supported":
		return SaturateSupported, nil
	default:
		return SaturateExact, fmt.Errorf("%w: unknown saturation mode %q", domain.ErrValidation, s)
	}
}

// Abramowitz-Stegun 26.2.17 constants.
var (
	daysPerYear = decimal.NewFromInt(365)

	cdfP  = decimal.RequireFromString("0.2316419")
	cdfZ  = decimal.RequireFromString("0.3989423")
	cdfB1 = decimal.RequireFromString("0.3193815")
	cdfB2 = decimal.RequireFromString("0.356538")
	cdfB3 = decimal.RequireFromString("1.781478")
	cdfB4 = decimal.RequireFromString("1.821256")
	cdfB5 = decimal.RequireFromString("1.330274")

	// Beyond d1^2/2 >= 130 the exponential term is far below one ULP.
	saturationExponent = decimal.NewFromInt(130)
)

// Model evaluates the probability that an underlying finishes above a strike.
type Model struct {
	Saturation     Saturation
	MinProbability decimal.Decimal
	MaxProbability decimal.Decimal
}

// DefaultModel saturates to exact 0/1.
func DefaultModel() Model {
	return Model{
		Saturation:     SaturateExact,
		MinProbability: decimal.RequireFromString("0.01"),
		MaxProbability: decimal.RequireFromString("0.99"),
	}
}

// Validate checks the saturation bounds.
func (m Model) Validate() error {
	if m.Saturation != SaturateSupported {
		return nil
	}
	if m.MinProbability.Sign() <= 0 || m.MaxProbability.GreaterThanOrEqual(fixed.One) ||
		!m.MinProbability.LessThan(m.MaxProbability) {
		return fmt.Errorf("%w: saturation bounds must satisfy 0 < min < max < 1", domain.ErrValidation)
	}
	return nil
}

// Probability returns P(price at maturity > strike).
//
//	t = days/365, vt = vol*sqrt(t), d1 = ln(strike/spot)/vt
//	y = 1/(1 + 0.2316419|d1|), z = 0.3989423*exp(-d1^2/2)
//	x = 1 - z*(1.330274y^5 - 1.821256y^4 + 1.781478y^3 - 0.356538y^2 + 0.3193815y)
//	x = 1-x when d1 < 0; probability = 1-x
//
// vol is annualized and expressed as a fraction (1.2 = 120%).
func (m Model) Probability(spot, strike, days, vol decimal.Decimal) (decimal.Decimal, error) {
	if spot.Sign() <= 0 || strike.Sign() <= 0 {
		return fixed.Zero, fmt.Errorf("%w: spot and strike must be positive", domain.ErrValidation)
	}
	if days.Sign() < 0 || vol.Sign() < 0 {
		return fixed.Zero, fmt.Errorf("%w: days and volatility must not be negative", domain.ErrValidation)
	}

	t := fixed.Div(days, daysPerYear)
	sqrtT, err := fixed.Sqrt(t)
	if err != nil {
		return fixed.Zero, err
	}
	vt := fixed.Mul(vol, sqrtT)
	if vt.IsZero() {
		if spot.GreaterThan(strike) {
			return fixed.One, nil
		}
		return fixed.Zero, nil
	}

	lnRatio, err := fixed.Ln(fixed.Div(strike, spot))
	if err != nil {
		return fixed.Zero, err
	}
	d1 := fixed.Div(lnRatio, vt)
	absD1 := d1.Abs()

	exponent := fixed.Div(fixed.Mul(absD1, absD1), fixed.Two)
	if exponent.GreaterThanOrEqual(saturationExponent) {
		return m.saturate(d1.Sign() < 0), nil
	}

	y := fixed.Div(fixed.One, fixed.One.Add(fixed.Mul(cdfP, absD1)))
	e, err := fixed.ExpNeg(exponent)
	if err != nil {
		return fixed.Zero, err
	}
	z := fixed.Mul(cdfZ, e)

	poly := fixed.Mul(cdfB5, fixed.Pow(y, 5)).
		Sub(fixed.Mul(cdfB4, fixed.Pow(y, 4))).
		Add(fixed.Mul(cdfB3, fixed.Pow(y, 3))).
		Sub(fixed.Mul(cdfB2, fixed.Pow(y, 2))).
		Add(fixed.Mul(cdfB1, y))

	x := fixed.One.Sub(fixed.Mul(z, poly))
	if d1.Sign() < 0 {
		x = fixed.One.Sub(x)
	}
	return fixed.One.Sub(x), nil
}

func (m Model) saturate(inTheMoney bool) decimal.Decimal {
	if m.Saturation == SaturateSupported {
		if inTheMoney {
			return m.MaxProbability
		}
		return m.MinProbability
	}
	if inTheMoney {
		return fixed.One
	}
	return fixed.Zero
}

// UpDown splits an exceed-strike probability into the two positional sides.
func UpDown(p decimal.Decimal) (up, down decimal.Decimal) {
	return p, fixed.One.Sub(p)
}
