package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/amm/parlay"
	"github.com/phenomenon0/sportsamm/pkg/amm/pool"
	"github.com/phenomenon0/sportsamm/pkg/amm/pricing"
	"github.com/phenomenon0/sportsamm/pkg/amm/risk"
	"github.com/phenomenon0/sportsamm/pkg/amm/sports"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
	"github.com/phenomenon0/sportsamm/pkg/market"
	"github.com/phenomenon0/sportsamm/pkg/odds"
)

// Seed is a market registered at startup together with the odds fed to the oracle.
type Seed struct {
	Spec market.Spec
	// Odds are the normalized probabilities per position; empty for positional markets.
	Odds []decimal.Decimal
}

// Validate builds every component config and checks it.
func (c *Config) Validate(tags *market.TagRegistry) error {
	var errs []error
	if _, err := c.PricingConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RiskConfig(tags); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PoolConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ParlayConfig(tags); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SportsConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Keeper(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.GenesisDeposits(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Swap(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Seeds(tags); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown store driver %q", domain.ErrValidation, c.Store.Driver))
	}
	return errors.Join(errs...)
}

func (c *Config) PricingConfig() (pricing.Config, error) {
	out := pricing.DefaultConfig()
	p := c.Pricing
	if err := firstErr(
		setDecimal(&out.MinSpread, p.MinSpread, "pricing.min_spread"),
		setDecimal(&out.MaxSpread, p.MaxSpread, "pricing.max_spread"),
		setDecimal(&out.MinSupportedPrice, p.MinSupportedPrice, "pricing.min_supported_price"),
		setDecimal(&out.MaxSupportedPrice, p.MaxSupportedPrice, "pricing.max_supported_price"),
	); err != nil {
		return out, err
	}
	if p.SafeBoxFeeBps != nil {
		out.SafeBoxFeeBps = *p.SafeBoxFeeBps
	}
	return out, out.Validate()
}

func (c *Config) RiskConfig(tags *market.TagRegistry) (risk.Config, error) {
	out := risk.DefaultConfig()
	r := c.Risk
	if err := firstErr(
		setDecimal(&out.DefaultCap, r.DefaultCap, "risk.default_cap"),
		setDecimal(&out.MaxCap, r.MaxCap, "risk.max_cap"),
		setDecimal(&out.DefaultRiskMultiplier, r.DefaultRiskMultiplier, "risk.default_risk_multiplier"),
		setDecimal(&out.MaxParlayPayout, r.MaxParlayPayout, "risk.max_parlay_payout"),
		setDecimal(&out.ParlayMarketCap, r.ParlayMarketCap, "risk.parlay_market_cap"),
	); err != nil {
		return out, err
	}

	for key, v := range r.SportCaps {
		sport, d, err := sportValue(tags, key, v, "risk.sport_caps")
		if err != nil {
			return out, err
		}
		out.SportCaps[sport] = d
	}
	for key, v := range r.ChildCaps {
		t, err := tags.ResolveTags(key)
		if err != nil {
			return out, fmt.Errorf("risk.child_caps: %w", err)
		}
		d, err := parseDecimal(v, "risk.child_caps."+key)
		if err != nil {
			return out, err
		}
		out.ChildCaps[t] = d
	}
	for key, v := range r.MarketCaps {
		addr, d, err := addressValue(key, v, "risk.market_caps")
		if err != nil {
			return out, err
		}
		out.MarketCaps[addr] = d
	}
	for key, v := range r.SportRiskMultipliers {
		sport, d, err := sportValue(tags, key, v, "risk.sport_risk_multipliers")
		if err != nil {
			return out, err
		}
		out.SportRiskMultipliers[sport] = d
	}
	for key, v := range r.MarketRiskMultipliers {
		addr, d, err := addressValue(key, v, "risk.market_risk_multipliers")
		if err != nil {
			return out, err
		}
		out.MarketRiskMultipliers[addr] = d
	}
	return out, out.Validate()
}

func (c *Config) PoolConfig() (pool.Config, error) {
	out := pool.DefaultConfig()
	p := c.Pool
	var err error
	if out.Address, err = parseAddress(p.Address, "pool.address"); err != nil {
		return out, err
	}
	if p.DefaultLiquidityProvider != "" {
		if out.DefaultLiquidityProvider, err = parseAddress(p.DefaultLiquidityProvider, "pool.default_liquidity_provider"); err != nil {
			return out, err
		}
	}
	if err := setDuration(&out.RoundLength, p.RoundLength, "pool.round_length"); err != nil {
		return out, err
	}
	if p.PreallocatedRounds != 0 {
		out.PreallocatedRounds = p.PreallocatedRounds
	}
	if p.MaxAllowedUsers != 0 {
		out.MaxAllowedUsers = p.MaxAllowedUsers
	}
	out.OnlyWhitelistedStakersAllowed = p.OnlyWhitelistedStakersAllowed
	if err := firstErr(
		setDecimal(&out.MinDepositAmount, p.MinDepositAmount, "pool.min_deposit_amount"),
		setDecimal(&out.MaxAllowedDeposit, p.MaxAllowedDeposit, "pool.max_allowed_deposit"),
		setDecimal(&out.StakedMultiplier, p.StakedMultiplier, "pool.staked_multiplier"),
	); err != nil {
		return out, err
	}
	return out, out.Validate()
}

// Whitelist returns the depositors allowed when the pool is whitelist-only.
func (c *Config) Whitelist() ([]common.Address, error) {
	out := make([]common.Address, 0, len(c.Pool.Whitelist))
	for _, s := range c.Pool.Whitelist {
		addr, err := parseAddress(s, "pool.whitelist")
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Keeper is the round-closing schedule.
type Keeper struct {
	Interval  time.Duration
	BatchSize int
}

func (c *Config) Keeper() (Keeper, error) {
	k := Keeper{Interval: time.Minute, BatchSize: 100}
	if err := setDuration(&k.Interval, c.Pool.KeeperInterval, "pool.keeper_interval"); err != nil {
		return k, err
	}
	if c.Pool.CloseBatchSize != 0 {
		k.BatchSize = c.Pool.CloseBatchSize
	}
	if k.Interval <= 0 || k.BatchSize <= 0 {
		return k, fmt.Errorf("%w: pool keeper interval and batch size must be positive", domain.ErrValidation)
	}
	return k, nil
}

// Deposit is a parsed genesis deposit.
type Deposit struct {
	User   common.Address
	Amount decimal.Decimal
}

func (c *Config) GenesisDeposits() ([]Deposit, error) {
	out := make([]Deposit, 0, len(c.Pool.Genesis))
	for i, g := range c.Pool.Genesis {
		name := fmt.Sprintf("pool.genesis[%d]", i)
		user, err := parseAddress(g.User, name+".user")
		if err != nil {
			return nil, err
		}
		amount, err := parseDecimal(g.Amount, name+".amount")
		if err != nil {
			return nil, err
		}
		if !amount.IsPositive() {
			return nil, fmt.Errorf("%w: %s.amount must be positive", domain.ErrValidation, name)
		}
		out = append(out, Deposit{User: user, Amount: amount})
	}
	return out, nil
}

// SwapSetup configures the in-memory stable swap behind BuyWithCollateral.
type SwapSetup struct {
	Reserve        common.Address
	ReserveBalance decimal.Decimal
	FeeBps         int64
	Rates          map[string]decimal.Decimal
}

// Swap returns the collateral swap settings. Without assets the swap is disabled
// and Reserve may be empty.
func (c *Config) Swap() (SwapSetup, error) {
	cc := c.Collateral
	out := SwapSetup{FeeBps: cc.SwapFeeBps, Rates: make(map[string]decimal.Decimal, len(cc.Assets))}
	if cc.SwapFeeBps < 0 || cc.SwapFeeBps >= 10_000 {
		return out, fmt.Errorf("%w: collateral.swap_fee_bps out of range", domain.ErrValidation)
	}
	for asset, v := range cc.Assets {
		rate, err := parseDecimal(v, "collateral.assets."+asset)
		if err != nil {
			return out, err
		}
		if !rate.IsPositive() {
			return out, fmt.Errorf("%w: collateral.assets.%s must be positive", domain.ErrValidation, asset)
		}
		out.Rates[strings.ToUpper(asset)] = rate
	}
	if len(out.Rates) == 0 {
		return out, nil
	}
	var err error
	if out.Reserve, err = parseAddress(cc.Reserve, "collateral.reserve"); err != nil {
		return out, err
	}
	if err := setDecimal(&out.ReserveBalance, cc.ReserveBalance, "collateral.reserve_balance"); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) ParlayConfig(tags *market.TagRegistry) (parlay.Config, error) {
	out := parlay.DefaultConfig()
	p := c.Parlay
	if p.ParlayFeeBps != nil {
		out.ParlayFeeBps = *p.ParlayFeeBps
	}
	if p.SafeBoxFeeBps != nil {
		out.SafeBoxFeeBps = *p.SafeBoxFeeBps
	}
	if p.MinLegs != 0 {
		out.MinLegs = p.MinLegs
	}
	if p.MaxLegs != 0 {
		out.MaxLegs = p.MaxLegs
	}
	if err := firstErr(
		setDecimal(&out.MaxSupportedOdds, p.MaxSupportedOdds, "parlay.max_supported_odds"),
		setDecimal(&out.MaxTotalOdds, p.MaxTotalOdds, "parlay.max_total_odds"),
		setDecimal(&out.MinStake, p.MinStake, "parlay.min_stake"),
	); err != nil {
		return out, err
	}

	for i, f := range p.SGPFactors {
		name := fmt.Sprintf("parlay.sgp_factors[%d]", i)
		sport, err := tags.ResolveSport(f.Sport)
		if err != nil {
			return out, fmt.Errorf("%s: %w", name, err)
		}
		a, err := tags.ResolveChild(f.ChildA)
		if err != nil {
			return out, fmt.Errorf("%s: %w", name, err)
		}
		b, err := tags.ResolveChild(f.ChildB)
		if err != nil {
			return out, fmt.Errorf("%s: %w", name, err)
		}
		factor, err := parseDecimal(f.Factor, name)
		if err != nil {
			return out, err
		}
		if err := parlay.CheckSGPFactor(factor); err != nil {
			return out, fmt.Errorf("%s: %w", name, err)
		}
		out.SGPFactors[parlay.NewSGPKey(sport, a, b)] = factor
	}
	return out, out.Validate()
}

func (c *Config) SportsConfig() (sports.Config, error) {
	out := sports.DefaultConfig()
	a := c.AMM
	var err error
	if out.SafeBox, err = parseAddress(a.SafeBox, "amm.safe_box"); err != nil {
		return out, err
	}
	if err := setDuration(&out.MinTimeToMaturity, a.MinTimeToMaturity, "amm.min_time_to_maturity"); err != nil {
		return out, err
	}
	if out.Odds.Saturation, err = odds.ParseSaturation(a.Saturation); err != nil {
		return out, err
	}
	if err := firstErr(
		setDecimal(&out.Odds.MinProbability, a.MinProbability, "amm.min_probability"),
		setDecimal(&out.Odds.MaxProbability, a.MaxProbability, "amm.max_probability"),
	); err != nil {
		return out, err
	}
	for asset, v := range a.ImpliedVolatility {
		vol, err := parseDecimal(v, "amm.implied_volatility."+asset)
		if err != nil {
			return out, err
		}
		out.ImpliedVolatility[strings.ToUpper(asset)] = vol
	}
	if err := out.Odds.Validate(); err != nil {
		return out, err
	}
	return out, out.Validate()
}

// Seeds converts the configured markets into registry specs, parents first as written.
func (c *Config) Seeds(tags *market.TagRegistry) ([]Seed, error) {
	seeds := make([]Seed, 0, len(c.Markets))
	for i, m := range c.Markets {
		s, err := m.seed(tags)
		if err != nil {
			return nil, fmt.Errorf("markets[%d]: %w", i, err)
		}
		seeds = append(seeds, s)
	}
	return seeds, nil
}

func (m MarketConfig) seed(tags *market.TagRegistry) (Seed, error) {
	var (
		s   Seed
		err error
	)
	if s.Spec.Address, err = parseAddress(m.Address, "address"); err != nil {
		return s, err
	}
	if m.Parent != "" {
		if s.Spec.Parent, err = parseAddress(m.Parent, "parent"); err != nil {
			return s, err
		}
	}
	if s.Spec.Kind, err = market.ParseKind(m.Kind); err != nil {
		return s, err
	}
	if m.Sport != "" {
		if s.Spec.Tags.Sport, err = tags.ResolveSport(m.Sport); err != nil {
			return s, err
		}
	}
	if m.Child != "" {
		if s.Spec.Tags.Child, err = tags.ResolveChild(m.Child); err != nil {
			return s, err
		}
	}
	s.Spec.Positions = m.Positions
	s.Spec.Asset = strings.ToUpper(m.Asset)
	if err := setDecimal(&s.Spec.Line, m.Line, "line"); err != nil {
		return s, err
	}
	if m.Maturity != "" {
		if s.Spec.Maturity, err = time.Parse(time.RFC3339, m.Maturity); err != nil {
			return s, fmt.Errorf("%w: maturity %q: %v", domain.ErrValidation, m.Maturity, err)
		}
	}

	switch {
	case len(m.Odds) > 0 && len(m.AmericanOdds) > 0:
		return s, fmt.Errorf("%w: set odds or american_odds, not both", domain.ErrValidation)
	case len(m.Odds) > 0:
		probs := make([]decimal.Decimal, len(m.Odds))
		for i, v := range m.Odds {
			if probs[i], err = parseDecimal(v, fmt.Sprintf("odds[%d]", i)); err != nil {
				return s, err
			}
		}
		if s.Odds, err = odds.Normalize(probs); err != nil {
			return s, err
		}
	case len(m.AmericanOdds) > 0:
		if s.Odds, err = odds.NormalizeAmerican(m.AmericanOdds); err != nil {
			return s, err
		}
	}
	s.Spec.InitialOdds = s.Odds
	return s, nil
}

func parseDecimal(v, name string) (decimal.Decimal, error) {
	d, err := fixed.Parse(strings.TrimSpace(v))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", domain.ErrValidation, name, err)
	}
	return d, nil
}

func setDecimal(dst *decimal.Decimal, v, name string) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := parseDecimal(v, name)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setDuration(dst *time.Duration, v, name string) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrValidation, name, err)
	}
	*dst = d
	return nil
}

func parseAddress(v, name string) (common.Address, error) {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s: %q is not a hex address", domain.ErrValidation, name, v)
	}
	return common.HexToAddress(v), nil
}

func sportValue(tags *market.TagRegistry, key, v, name string) (market.SportTag, decimal.Decimal, error) {
	sport, err := tags.ResolveSport(key)
	if err != nil {
		return 0, decimal.Decimal{}, fmt.Errorf("%s: %w", name, err)
	}
	d, err := parseDecimal(v, name+"."+key)
	return sport, d, err
}

func addressValue(key, v, name string) (common.Address, decimal.Decimal, error) {
	addr, err := parseAddress(key, name)
	if err != nil {
		return addr, decimal.Decimal{}, err
	}
	d, err := parseDecimal(v, name+"."+key)
	return addr, d, err
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
