// Package pricing turns a base probability and the AMM's inventory into buy and sell quotes.
package pricing

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
)

// Config holds the spread and fee parameters.
type Config struct {
	// MinSpread is charged on every trade regardless of size.
	MinSpread decimal.Decimal `json:"min_spread"`
	// MaxSpread is the extra spread reached when one side is fully utilized.
	MaxSpread decimal.Decimal `json:"max_spread"`

	MinSupportedPrice decimal.Decimal `json:"min_supported_price"`
	MaxSupportedPrice decimal.Decimal `json:"max_supported_price"`

	// SafeBoxFeeBps is routed to the protocol fee sink.
	SafeBoxFeeBps int64 `json:"safe_box_fee_bps"`
}

// DefaultConfig returns conservative pricing parameters.
func DefaultConfig() Config {
	return Config{
		MinSpread:         decimal.RequireFromString("0.01"),
		MaxSpread:         decimal.RequireFromString("0.05"),
		MinSupportedPrice: decimal.RequireFromString("0.05"),
		MaxSupportedPrice: decimal.RequireFromString("0.95"),
		SafeBoxFeeBps:     100,
	}
}

// Validate checks that quotes stay inside (0, 1).
func (c Config) Validate() error {
	if c.MinSpread.Sign() < 0 || c.MaxSpread.Sign() < 0 {
		return fmt.Errorf("%w: spreads must not be negative", domain.ErrValidation)
	}
	if c.MinSpread.Add(c.MaxSpread).GreaterThanOrEqual(fixed.One) {
		return fmt.Errorf("%w: min_spread + max_spread must be below 1", domain.ErrValidation)
	}
	if c.MinSupportedPrice.Sign() < 0 || !c.MinSupportedPrice.LessThan(c.MaxSupportedPrice) ||
		c.MaxSupportedPrice.GreaterThanOrEqual(fixed.One) {
		return fmt.Errorf("%w: supported prices must satisfy 0 <= min < max < 1", domain.ErrValidation)
	}
	if c.SafeBoxFeeBps < 0 || c.SafeBoxFeeBps >= 10000 {
		return fmt.Errorf("%w: safe box fee %d bps out of range", domain.ErrValidation, c.SafeBoxFeeBps)
	}
	return nil
}

// Quote is a priced trade. Price is per position token; Total is what the user pays
// (buy) or receives (sell), fees included.
type Quote struct {
	Side     domain.TradeSide `json:"side"`
	Amount   decimal.Decimal  `json:"amount"`
	BaseProb decimal.Decimal  `json:"base_prob"`
	Skew     decimal.Decimal  `json:"skew"`
	Price    decimal.Decimal  `json:"price"`

	// Gross is Price*Amount.
	Gross decimal.Decimal `json:"gross"`
	// SafeBoxFee is taken from Gross and routed to the fee sink.
	SafeBoxFee decimal.Decimal `json:"safe_box_fee"`
	// Total is Gross+fee for buys and Gross-fee for sells.
	Total decimal.Decimal `json:"total"`
}

// Engine computes skew-adjusted quotes.
type Engine struct {
	mu  sync.RWMutex
	cfg Config
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Update applies fn to a copy of the config and swaps it in only if it validates.
func (e *Engine) Update(fn func(*Config)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	e.cfg = next
	return nil
}

// AvailableToBuy is the largest size that keeps sold within sideCap.
func AvailableToBuy(sold, sideCap decimal.Decimal) decimal.Decimal {
	return fixed.Max(fixed.Zero, sideCap.Sub(sold))
}

// AvailableToSell is the inventory the AMM can take back.
func AvailableToSell(sold decimal.Decimal) decimal.Decimal {
	return fixed.Max(fixed.Zero, sold)
}

// BuyQuote prices buying amount of a position with base probability prob, given
// the current sold inventory and the side cap.
func (e *Engine) BuyQuote(prob, sold, sideCap, amount decimal.Decimal) (Quote, error) {
	cfg := e.Config()
	if err := checkInputs(prob, amount); err != nil {
		return Quote{}, err
	}
	if sideCap.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: market has no capacity", domain.ErrCapExceeded)
	}
	if avail := AvailableToBuy(sold, sideCap); amount.GreaterThan(avail) {
		return Quote{}, fmt.Errorf("%w: buy %s exceeds available %s", domain.ErrCapExceeded, amount, avail)
	}

	skew := fixed.Div(sold.Add(amount), sideCap)
	markup := fixed.One.Add(cfg.MinSpread).Add(fixed.MulUp(cfg.MaxSpread, skew))
	price := fixed.Clamp(fixed.MulUp(prob, markup), cfg.MinSupportedPrice, cfg.MaxSupportedPrice)

	gross := fixed.MulUp(price, amount)
	fee := fixed.ApplyBps(gross, cfg.SafeBoxFeeBps)
	return Quote{
		Side:       domain.SideBuy,
		Amount:     amount,
		BaseProb:   prob,
		Skew:       skew,
		Price:      price,
		Gross:      gross,
		SafeBoxFee: fee,
		Total:      gross.Add(fee),
	}, nil
}

// SellQuote prices selling amount of a position back to the AMM. Impact grows with
// the size of the sale relative to the side cap.
func (e *Engine) SellQuote(prob, sold, sideCap, amount decimal.Decimal) (Quote, error) {
	cfg := e.Config()
	if err := checkInputs(prob, amount); err != nil {
		return Quote{}, err
	}
	if avail := AvailableToSell(sold); amount.GreaterThan(avail) {
		return Quote{}, fmt.Errorf("%w: sell %s exceeds available %s", domain.ErrCapExceeded, amount, avail)
	}

	skew := fixed.One
	if sideCap.Sign() > 0 {
		skew = fixed.Min(fixed.One, fixed.DivUp(amount, sideCap))
	}
	markdown := fixed.One.Sub(cfg.MinSpread).Sub(fixed.MulUp(cfg.MaxSpread, skew))
	price := fixed.Clamp(fixed.Mul(prob, markdown), cfg.MinSupportedPrice, cfg.MaxSupportedPrice)

	gross := fixed.Mul(price, amount)
	fee := fixed.ApplyBps(gross, cfg.SafeBoxFeeBps)
	return Quote{
		Side:       domain.SideSell,
		Amount:     amount,
		BaseProb:   prob,
		Skew:       skew,
		Price:      price,
		Gross:      gross,
		SafeBoxFee: fee,
		Total:      gross.Sub(fee),
	}, nil
}

// CheckBuySlippage rejects a buy whose total cost exceeds maxCost. A zero bound disables the check.
func CheckBuySlippage(q Quote, maxCost decimal.Decimal) error {
	if maxCost.Sign() > 0 && q.Total.GreaterThan(maxCost) {
		return fmt.Errorf("%w: cost %s above limit %s", domain.ErrSlippageExceeded, q.Total, maxCost)
	}
	return nil
}

// CheckSellSlippage rejects a sell whose proceeds fall below minPayout.
func CheckSellSlippage(q Quote, minPayout decimal.Decimal) error {
	if q.Total.LessThan(minPayout) {
		return fmt.Errorf("%w: payout %s below limit %s", domain.ErrSlippageExceeded, q.Total, minPayout)
	}
	return nil
}

func checkInputs(prob, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if prob.Sign() <= 0 || prob.GreaterThanOrEqual(fixed.One) {
		return fmt.Errorf("%w: base probability %s is not tradable", domain.ErrState, prob)
	}
	return nil
}
