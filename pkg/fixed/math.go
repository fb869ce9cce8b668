package fixed

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// Iteration counts are fixed so that every host computes identical digits.
const (
	lnTerms        = 40
	expTerms       = 30
	sqrtIterations = 100

	// 2^-64 is already below one ULP.
	expUnderflow = -64
	expOverflow  = 255
)

var (
	// Ln2 is ln(2) truncated to 18 places.
	Ln2 = decimal.RequireFromString("0.693147180559945309")

	half = decimal.RequireFromString("0.5")

	ErrDomain   = errors.New("fixed: argument outside function domain")
	ErrOverflow = errors.New("fixed: result overflows")
)

// Ln returns the natural logarithm of x > 0.
//
// x is reduced to m*2^k with m in [1, 2) using exact halving and doubling, then
// ln(m) = 2*atanh((m-1)/(m+1)) is summed over lnTerms terms.
func Ln(x decimal.Decimal) (decimal.Decimal, error) {
	if x.Sign() <= 0 {
		return Zero, ErrDomain
	}
	m := x
	k := int64(0)
	for m.GreaterThanOrEqual(Two) {
		m = m.Mul(half)
		k++
	}
	for m.LessThan(One) {
		m = m.Mul(Two)
		k--
	}

	s := Div(m.Sub(One), m.Add(One))
	s2 := Mul(s, s)
	term := s
	sum := Zero
	for i := 0; i < lnTerms; i++ {
		sum = sum.Add(Div(term, decimal.NewFromInt(int64(2*i+1))))
		term = Mul(term, s2)
	}
	return Truncate(decimal.NewFromInt(k).Mul(Ln2).Add(sum.Mul(Two))), nil
}

// Exp returns e^x. Results below one ULP collapse to zero.
func Exp(x decimal.Decimal) (decimal.Decimal, error) {
	if x.IsZero() {
		return One, nil
	}
	n := x.Div(Ln2).Floor().IntPart()
	if n < expUnderflow {
		return Zero, nil
	}
	if n > expOverflow {
		return Zero, ErrOverflow
	}
	r := x.Sub(decimal.NewFromInt(n).Mul(Ln2))

	sum := One
	term := One
	for i := int64(1); i <= expTerms; i++ {
		term = Div(Mul(term, r), decimal.NewFromInt(i))
		sum = sum.Add(term)
	}

	scale := decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), uint(abs(n))), 0)
	if n >= 0 {
		return Truncate(sum.Mul(scale)), nil
	}
	return Div(sum, scale), nil
}

// ExpNeg returns e^-x for x >= 0.
func ExpNeg(x decimal.Decimal) (decimal.Decimal, error) {
	if x.Sign() < 0 {
		return Zero, ErrDomain
	}
	return Exp(x.Neg())
}

// Sqrt returns the square root of x >= 0 rounded toward zero.
// Newton's iteration starts above the root and stops once it no longer decreases.
func Sqrt(x decimal.Decimal) (decimal.Decimal, error) {
	switch x.Sign() {
	case -1:
		return Zero, ErrDomain
	case 0:
		return Zero, nil
	}
	g := One
	if x.GreaterThan(One) {
		g = Truncate(x)
	}
	for i := 0; i < sqrtIterations; i++ {
		next := Div(g.Add(Div(x, g)), Two)
		if next.GreaterThanOrEqual(g) {
			break
		}
		g = next
	}
	return g, nil
}

// Pow returns x^n for n >= 0 by repeated squaring, truncating after every product.
func Pow(x decimal.Decimal, n int) decimal.Decimal {
	result := One
	base := x
	for n > 0 {
		if n&1 == 1 {
			result = Mul(result, base)
		}
		base = Mul(base, base)
		n >>= 1
	}
	return result
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
