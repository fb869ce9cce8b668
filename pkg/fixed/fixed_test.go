package fixed

import (
	"math"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func approx(t *testing.T, want float64, got decimal.Decimal, tol float64) {
	t.Helper()
	f, _ := got.Float64()
	assert.InDelta(t, want, f, tol, "got %s", got)
}

func TestMulDivRounding(t *testing.T) {
	third := Div(One, d("3"))
	assert.Equal(t, "0.333333333333333333", third.String())
	assert.Equal(t, "0.333333333333333334", DivUp(One, d("3")).String())
	assert.True(t, DivUp(d("6"), d("3")).Equal(Two))

	tiny := d("0.000000000000000001")
	assert.True(t, Mul(tiny, d("0.5")).IsZero())
	assert.True(t, MulUp(tiny, d("0.5")).Equal(tiny))
}

func TestDivByZeroPanics(t *testing.T) {
	assert.Panics(t, func() { Div(One, Zero) })
	assert.Panics(t, func() { DivUp(One, Zero) })
}

func TestBps(t *testing.T) {
	assert.True(t, FromBps(250).Equal(d("0.025")))
	assert.True(t, ApplyBps(d("1000"), 30).Equal(d("3")))
}

func TestWeiRoundTrip(t *testing.T) {
	wei, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)
	assert.True(t, FromWei(wei).Equal(d("1.5")))
	assert.Equal(t, 0, ToWei(d("1.5")).Cmp(wei))
	assert.True(t, FromWei(nil).IsZero())
}

func TestParse(t *testing.T) {
	v, err := Parse("12.3456789012345678901234")
	require.NoError(t, err)
	assert.Equal(t, "12.345678901234567890", v.StringFixed(Precision))

	_, err = Parse("twelve")
	assert.Error(t, err)
}

func TestLn(t *testing.T) {
	tests := []struct {
		x    string
		want float64
	}{
		{"1", 0},
		{"2", math.Ln2},
		{"0.5", -math.Ln2},
		{"10", math.Log(10)},
		{"1.05", math.Log(1.05)},
		{"0.0001", math.Log(0.0001)},
		{"123456.789", math.Log(123456.789)},
	}
	for _, tt := range tests {
		t.Run(tt.x, func(t *testing.T) {
			got, err := Ln(d(tt.x))
			require.NoError(t, err)
			approx(t, tt.want, got, 1e-12)
		})
	}

	_, err := Ln(Zero)
	assert.ErrorIs(t, err, ErrDomain)
	_, err = Ln(d("-1"))
	assert.ErrorIs(t, err, ErrDomain)
}

func TestExp(t *testing.T) {
	tests := []struct {
		x    string
		want float64
	}{
		{"0", 1},
		{"1", math.E},
		{"-1", 1 / math.E},
		{"2.5", math.Exp(2.5)},
		{"-10", math.Exp(-10)},
	}
	for _, tt := range tests {
		t.Run(tt.x, func(t *testing.T) {
			got, err := Exp(d(tt.x))
			require.NoError(t, err)
			approx(t, tt.want, got, 1e-10)
		})
	}

	got, err := ExpNeg(d("130"))
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ExpNeg(d("-1"))
	assert.ErrorIs(t, err, ErrDomain)

	_, err = Exp(d("1000"))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestSqrt(t *testing.T) {
	for _, x := range []string{"0", "1", "2", "0.005479452054794520", "144", "1000000"} {
		t.Run(x, func(t *testing.T) {
			got, err := Sqrt(d(x))
			require.NoError(t, err)
			f, _ := d(x).Float64()
			approx(t, math.Sqrt(f), got, 1e-12)
		})
	}
	_, err := Sqrt(d("-4"))
	assert.ErrorIs(t, err, ErrDomain)
}

func TestPow(t *testing.T) {
	assert.True(t, Pow(d("1.5"), 0).Equal(One))
	assert.True(t, Pow(d("1.5"), 3).Equal(d("3.375")))
	assert.True(t, Pow(d("0.1"), 5).Equal(d("0.00001")))
}

func TestDeterministic(t *testing.T) {
	a, err := Ln(d("1.2345"))
	require.NoError(t, err)
	b, err := Ln(d("1.2345"))
	require.NoError(t, err)
	assert.Equal(t, a.String(), b.String())
}

func TestClampMinMax(t *testing.T) {
	assert.True(t, Clamp(d("1.2"), Zero, One).Equal(One))
	assert.True(t, Clamp(d("-1"), Zero, One).Equal(Zero))
	assert.True(t, Clamp(d("0.4"), Zero, One).Equal(d("0.4")))
	assert.True(t, Min(One, Two).Equal(One))
	assert.True(t, Max(One, Two).Equal(Two))
}
