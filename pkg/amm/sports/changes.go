package sports

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/amm/parlay"
	"github.com/phenomenon0/sportsamm/pkg/amm/pool"
	"github.com/phenomenon0/sportsamm/pkg/amm/pricing"
	"github.com/phenomenon0/sportsamm/pkg/amm/risk"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/market"
)

// Change is one administrative configuration change. The set of changes is closed:
// only the types in this package implement it.
type Change interface {
	Kind() string
	apply(a *AMM) error
}

// ApplyConfigChange validates c and routes it to the component that owns the setting.
// An invalid change leaves every component untouched.
func (a *AMM) ApplyConfigChange(ctx context.Context, c Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := c.apply(a); err != nil {
		return a.reject("config", fmt.Errorf("%s: %w", c.Kind(), err))
	}
	a.logger.InfoContext(ctx, "amm: config changed", slog.String("change", c.Kind()))
	a.events.Emit(ctx, domain.ConfigEvent{Change: c.Kind(), Timestamp: a.now()})
	return nil
}

type (
	SetDefaultCap struct{ Cap decimal.Decimal }
	SetMaxCap     struct{ Cap decimal.Decimal }
	SetSportCap   struct {
		Sport market.SportTag
		Cap   decimal.Decimal
	}
	SetChildCap struct {
		Tags market.Tags
		Cap  decimal.Decimal
	}
	SetMarketCap struct {
		Market common.Address
		Cap    decimal.Decimal
	}
)

func (SetDefaultCap) Kind() string { return "default_cap" }
func (SetMaxCap) Kind() string     { return "max_cap" }
func (SetSportCap) Kind() string   { return "sport_cap" }
func (SetChildCap) Kind() string   { return "child_cap" }
func (SetMarketCap) Kind() string  { return "market_cap" }

func (c SetDefaultCap) apply(a *AMM) error {
	return a.risk.Update(func(cfg *risk.Config) { cfg.DefaultCap = c.Cap })
}

func (c SetMaxCap) apply(a *AMM) error {
	return a.risk.Update(func(cfg *risk.Config) { cfg.MaxCap = c.Cap })
}

func (c SetSportCap) apply(a *AMM) error {
	return a.risk.Update(func(cfg *risk.Config) { cfg.SportCaps[c.Sport] = c.Cap })
}

func (c SetChildCap) apply(a *AMM) error {
	return a.risk.Update(func(cfg *risk.Config) { cfg.ChildCaps[c.Tags] = c.Cap })
}

func (c SetMarketCap) apply(a *AMM) error {
	return a.risk.Update(func(cfg *risk.Config) { cfg.MarketCaps[c.Market] = c.Cap })
}

type (
	SetDefaultRiskMultiplier struct{ Multiplier decimal.Decimal }
	SetSportRiskMultiplier   struct {
		Sport      market.SportTag
		Multiplier decimal.Decimal
	}
	SetMarketRiskMultiplier struct {
		Market     common.Address
		Multiplier decimal.Decimal
	}
)

func (SetDefaultRiskMultiplier) Kind() string { return "default_risk_multiplier" }
func (SetSportRiskMultiplier) Kind() string   { return "sport_risk_multiplier" }
func (SetMarketRiskMultiplier) Kind() string  { return "market_risk_multiplier" }

func (c SetDefaultRiskMultiplier) apply(a *AMM) error {
	return a.risk.Update(func(cfg *risk.Config) { cfg.DefaultRiskMultiplier = c.Multiplier })
}

func (c SetSportRiskMultiplier) apply(a *AMM) error {
	return a.risk.Update(func(cfg *risk.Config) { cfg.SportRiskMultipliers[c.Sport] = c.Multiplier })
}

func (c SetMarketRiskMultiplier) apply(a *AMM) error {
	return a.risk.Update(func(cfg *risk.Config) { cfg.MarketRiskMultipliers[c.Market] = c.Multiplier })
}

// SetParlayLimits bounds the payout of one parlay and the parlay risk per leg.
type SetParlayLimits struct {
	MaxParlayPayout decimal.Decimal
	ParlayMarketCap decimal.Decimal
}

func (SetParlayLimits) Kind() string { return "parlay_limits" }

func (c SetParlayLimits) apply(a *AMM) error {
	return a.risk.Update(func(cfg *risk.Config) {
		cfg.MaxParlayPayout = c.MaxParlayPayout
		cfg.ParlayMarketCap = c.ParlayMarketCap
	})
}

type (
	SetSpreads struct {
		Min decimal.Decimal
		Max decimal.Decimal
	}
	SetSupportedPrices struct {
		Min decimal.Decimal
		Max decimal.Decimal
	}
	SetSafeBoxFee struct{ Bps int64 }
)

func (SetSpreads) Kind() string         { return "spreads" }
func (SetSupportedPrices) Kind() string { return "supported_prices" }
func (SetSafeBoxFee) Kind() string      { return "safe_box_fee" }

func (c SetSpreads) apply(a *AMM) error {
	return a.pricing.Update(func(cfg *pricing.Config) {
		cfg.MinSpread = c.Min
		cfg.MaxSpread = c.Max
	})
}

func (c SetSupportedPrices) apply(a *AMM) error {
	return a.pricing.Update(func(cfg *pricing.Config) {
		cfg.MinSupportedPrice = c.Min
		cfg.MaxSupportedPrice = c.Max
	})
}

func (c SetSafeBoxFee) apply(a *AMM) error {
	return a.pricing.Update(func(cfg *pricing.Config) { cfg.SafeBoxFeeBps = c.Bps })
}

type (
	SetParlayFees struct {
		ParlayFeeBps  int64
		SafeBoxFeeBps int64
	}
	SetSGPFactor struct {
		Sport  market.SportTag
		ChildA market.ChildTag
		ChildB market.ChildTag
		Factor decimal.Decimal
	}
)

func (SetParlayFees) Kind() string { return "parlay_fees" }
func (SetSGPFactor) Kind() string  { return "sgp_factor" }

func (c SetParlayFees) apply(a *AMM) error {
	return a.parlays.Update(func(cfg *parlay.Config) {
		cfg.ParlayFeeBps = c.ParlayFeeBps
		cfg.SafeBoxFeeBps = c.SafeBoxFeeBps
	})
}

func (c SetSGPFactor) apply(a *AMM) error {
	if err := parlay.CheckSGPFactor(c.Factor); err != nil {
		return err
	}
	return a.parlays.Update(func(cfg *parlay.Config) {
		cfg.SGPFactors[parlay.NewSGPKey(c.Sport, c.ChildA, c.ChildB)] = c.Factor
	})
}

type (
	SetPoolLimits struct {
		MinDepositAmount  decimal.Decimal
		MaxAllowedDeposit decimal.Decimal
		MaxAllowedUsers   int
	}
	SetRoundLength struct{ Length time.Duration }
)

func (SetPoolLimits) Kind() string  { return "pool_limits" }
func (SetRoundLength) Kind() string { return "round_length" }

func (c SetPoolLimits) apply(a *AMM) error {
	return a.pool.Update(func(cfg *pool.Config) {
		cfg.MinDepositAmount = c.MinDepositAmount
		cfg.MaxAllowedDeposit = c.MaxAllowedDeposit
		cfg.MaxAllowedUsers = c.MaxAllowedUsers
	})
}

func (c SetRoundLength) apply(a *AMM) error {
	return a.pool.Update(func(cfg *pool.Config) { cfg.RoundLength = c.Length })
}

type (
	SetImpliedVolatility struct {
		Asset      string
		Volatility decimal.Decimal
	}
	SetSafeBox struct{ Address common.Address }
	SetMinTimeToMaturity struct{ Duration time.Duration }
)

func (SetImpliedVolatility) Kind() string { return "implied_volatility" }
func (SetSafeBox) Kind() string           { return "safe_box" }
func (SetMinTimeToMaturity) Kind() string { return "min_time_to_maturity" }

func (c SetImpliedVolatility) apply(a *AMM) error {
	if err := checkVolatility(c.Asset, c.Volatility); err != nil {
		return err
	}
	a.cfg.ImpliedVolatility[strings.ToUpper(c.Asset)] = c.Volatility
	return nil
}

func (c SetSafeBox) apply(a *AMM) error {
	if c.Address == (common.Address{}) {
		return fmt.Errorf("%w: safe box address is required", domain.ErrValidation)
	}
	a.cfg.SafeBox = c.Address
	return nil
}

func (c SetMinTimeToMaturity) apply(a *AMM) error {
	if c.Duration < 0 {
		return fmt.Errorf("%w: min time to maturity is negative", domain.ErrValidation)
	}
	a.cfg.MinTimeToMaturity = c.Duration
	return nil
}
