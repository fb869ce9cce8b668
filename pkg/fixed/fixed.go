// Package fixed implements deterministic 18-decimal fixed-point arithmetic on top of
// shopspring/decimal. Every result is cut to Precision places with an explicit rounding
// direction so that quotes and settlements reproduce bit-for-bit on any host.
package fixed

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by every value ("unit").
const Precision int32 = 18

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
	Two  = decimal.NewFromInt(2)

	// ULP is the smallest representable increment, 1e-18.
	ULP = decimal.New(1, -Precision)

	bpsDenominator = decimal.NewFromInt(10000)
)

// Truncate cuts d to Precision places toward zero.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

// Mul returns a*b rounded toward zero.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Precision)
}

// MulUp returns a*b rounded toward positive infinity.
func MulUp(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundCeil(Precision)
}

// Div returns a/b rounded toward zero. Division by zero panics, like integer division.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		panic("fixed: division by zero")
	}
	q, _ := a.QuoRem(b, Precision)
	return q
}

// DivUp returns a/b rounded toward positive infinity.
func DivUp(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		panic("fixed: division by zero")
	}
	q, r := a.QuoRem(b, Precision)
	if !r.IsZero() && a.Sign()*b.Sign() > 0 {
		q = q.Add(ULP)
	}
	return q
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// FromBps converts basis points into a fraction (250 -> 0.025).
func FromBps(bps int64) decimal.Decimal {
	return decimal.NewFromInt(bps).Div(bpsDenominator)
}

// ApplyBps returns amount*bps/10000 rounded toward zero.
func ApplyBps(amount decimal.Decimal, bps int64) decimal.Decimal {
	return Truncate(amount.Mul(decimal.NewFromInt(bps)).Div(bpsDenominator))
}

// FromWei interprets an integer amount carrying 18 implied decimals.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return Zero
	}
	return decimal.NewFromBigInt(wei, -Precision)
}

// ToWei converts d into an integer amount with 18 implied decimals, truncating dust.
func ToWei(d decimal.Decimal) *big.Int {
	return Truncate(d).Shift(Precision).BigInt()
}

// Parse reads a decimal string and cuts it to Precision places.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return Truncate(d), nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}
