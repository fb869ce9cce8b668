// Package config loads the daemon configuration and turns it into component configs.
//
// Numbers are written as decimal strings so they reach the AMM without passing through
// float64. An empty value keeps the component default.
package config

import "strings"

// Config is the root of a TOML or YAML configuration file.
type Config struct {
	LogLevel  string `toml:"log_level" yaml:"log_level"`   // debug | info | warn | error
	LogFormat string `toml:"log_format" yaml:"log_format"` // text | json

	Server     ServerConfig     `toml:"server" yaml:"server"`
	Store      StoreConfig      `toml:"store" yaml:"store"`
	Redis      RedisConfig      `toml:"redis" yaml:"redis"`
	AMM        AMMConfig        `toml:"amm" yaml:"amm"`
	Pricing    PricingConfig    `toml:"pricing" yaml:"pricing"`
	Risk       RiskConfig       `toml:"risk" yaml:"risk"`
	Pool       PoolConfig       `toml:"pool" yaml:"pool"`
	Parlay     ParlayConfig     `toml:"parlay" yaml:"parlay"`
	Collateral CollateralConfig `toml:"collateral" yaml:"collateral"`
	Markets    []MarketConfig   `toml:"markets" yaml:"markets"`
}

type ServerConfig struct {
	Addr        string   `toml:"addr" yaml:"addr"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" yaml:"rate_burst"`
}

// StoreConfig selects the journal backend: "sqlite", "postgres" or "none".
type StoreConfig struct {
	Driver string `toml:"driver" yaml:"driver"`
	DSN    string `toml:"dsn" yaml:"dsn"`
}

// RedisConfig enables the event bus when Addr is set.
type RedisConfig struct {
	Addr         string `toml:"addr" yaml:"addr"`
	Password     string `toml:"password" yaml:"password"`
	DB           int    `toml:"db" yaml:"db"`
	Channel      string `toml:"channel" yaml:"channel"`
	Stream       string `toml:"stream" yaml:"stream"`
	StreamMaxLen int64  `toml:"stream_max_len" yaml:"stream_max_len"`
}

// Enabled reports whether a redis address is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

type AMMConfig struct {
	SafeBox           string `toml:"safe_box" yaml:"safe_box"`
	MinTimeToMaturity string `toml:"min_time_to_maturity" yaml:"min_time_to_maturity"`

	// Saturation is "exact" or "supported".
	Saturation     string `toml:"saturation" yaml:"saturation"`
	MinProbability string `toml:"min_probability" yaml:"min_probability"`
	MaxProbability string `toml:"max_probability" yaml:"max_probability"`

	// ImpliedVolatility maps an underlying to its annualized volatility.
	ImpliedVolatility map[string]string `toml:"implied_volatility" yaml:"implied_volatility"`
}

type PricingConfig struct {
	MinSpread         string `toml:"min_spread" yaml:"min_spread"`
	MaxSpread         string `toml:"max_spread" yaml:"max_spread"`
	MinSupportedPrice string `toml:"min_supported_price" yaml:"min_supported_price"`
	MaxSupportedPrice string `toml:"max_supported_price" yaml:"max_supported_price"`
	SafeBoxFeeBps     *int64 `toml:"safe_box_fee_bps" yaml:"safe_box_fee_bps"`
}

// RiskConfig keys sports by tag number or name, child lines as "sport/child" and
// markets by hex address.
type RiskConfig struct {
	DefaultCap string            `toml:"default_cap" yaml:"default_cap"`
	MaxCap     string            `toml:"max_cap" yaml:"max_cap"`
	SportCaps  map[string]string `toml:"sport_caps" yaml:"sport_caps"`
	ChildCaps  map[string]string `toml:"child_caps" yaml:"child_caps"`
	MarketCaps map[string]string `toml:"market_caps" yaml:"market_caps"`

	DefaultRiskMultiplier string            `toml:"default_risk_multiplier" yaml:"default_risk_multiplier"`
	SportRiskMultipliers  map[string]string `toml:"sport_risk_multipliers" yaml:"sport_risk_multipliers"`
	MarketRiskMultipliers map[string]string `toml:"market_risk_multipliers" yaml:"market_risk_multipliers"`

	MaxParlayPayout string `toml:"max_parlay_payout" yaml:"max_parlay_payout"`
	ParlayMarketCap string `toml:"parlay_market_cap" yaml:"parlay_market_cap"`
}

type PoolConfig struct {
	Address            string `toml:"address" yaml:"address"`
	RoundLength        string `toml:"round_length" yaml:"round_length"`
	PreallocatedRounds int    `toml:"preallocated_rounds" yaml:"preallocated_rounds"`

	MinDepositAmount  string `toml:"min_deposit_amount" yaml:"min_deposit_amount"`
	MaxAllowedDeposit string `toml:"max_allowed_deposit" yaml:"max_allowed_deposit"`
	MaxAllowedUsers   int    `toml:"max_allowed_users" yaml:"max_allowed_users"`

	OnlyWhitelistedStakersAllowed bool     `toml:"only_whitelisted_stakers_allowed" yaml:"only_whitelisted_stakers_allowed"`
	Whitelist                     []string `toml:"whitelist" yaml:"whitelist"`
	StakedMultiplier              string   `toml:"staked_multiplier" yaml:"staked_multiplier"`

	DefaultLiquidityProvider string `toml:"default_liquidity_provider" yaml:"default_liquidity_provider"`

	// Genesis deposits are minted on the in-memory ledger and deposited before the
	// pool starts. The pool is started at boot only when Genesis is non-empty.
	Genesis []GenesisDeposit `toml:"genesis" yaml:"genesis"`

	// KeeperInterval is how often the daemon tries to close the current round.
	KeeperInterval string `toml:"keeper_interval" yaml:"keeper_interval"`
	CloseBatchSize int    `toml:"close_batch_size" yaml:"close_batch_size"`
}

type GenesisDeposit struct {
	User   string `toml:"user" yaml:"user"`
	Amount string `toml:"amount" yaml:"amount"`
}

type ParlayConfig struct {
	ParlayFeeBps     *int64 `toml:"parlay_fee_bps" yaml:"parlay_fee_bps"`
	SafeBoxFeeBps    *int64 `toml:"safe_box_fee_bps" yaml:"safe_box_fee_bps"`
	MaxSupportedOdds string `toml:"max_supported_odds" yaml:"max_supported_odds"`
	MaxTotalOdds     string `toml:"max_total_odds" yaml:"max_total_odds"`
	MinLegs          int    `toml:"min_legs" yaml:"min_legs"`
	MaxLegs          int    `toml:"max_legs" yaml:"max_legs"`
	MinStake         string `toml:"min_stake" yaml:"min_stake"`

	SGPFactors []SGPFactorConfig `toml:"sgp_factors" yaml:"sgp_factors"`
}

// SGPFactorConfig discounts two correlated child lines of the same game.
type SGPFactorConfig struct {
	Sport  string `toml:"sport" yaml:"sport"`
	ChildA string `toml:"child_a" yaml:"child_a"`
	ChildB string `toml:"child_b" yaml:"child_b"`
	Factor string `toml:"factor" yaml:"factor"`
}

// CollateralConfig describes the alternate stablecoins accepted by BuyWithCollateral.
type CollateralConfig struct {
	Reserve string `toml:"reserve" yaml:"reserve"`
	// ReserveBalance is minted to Reserve on the in-memory ledger at boot.
	ReserveBalance string            `toml:"reserve_balance" yaml:"reserve_balance"`
	SwapFeeBps     int64             `toml:"swap_fee_bps" yaml:"swap_fee_bps"`
	Assets         map[string]string `toml:"assets" yaml:"assets"` // symbol -> rate into the base unit
}

// MarketConfig seeds a market at startup. Child markets only need Address, Parent
// and Child.
type MarketConfig struct {
	Address   string   `toml:"address" yaml:"address"`
	Parent    string   `toml:"parent" yaml:"parent"`
	Kind      string   `toml:"kind" yaml:"kind"`
	Sport     string   `toml:"sport" yaml:"sport"`
	Child     string   `toml:"child" yaml:"child"`
	Positions int      `toml:"positions" yaml:"positions"`
	Line      string   `toml:"line" yaml:"line"`
	Asset     string   `toml:"asset" yaml:"asset"`
	Maturity  string   `toml:"maturity" yaml:"maturity"` // RFC 3339
	Odds      []string `toml:"odds" yaml:"odds"`
	// AmericanOdds seeds the oracle from a sportsbook line; 0 means not offered.
	AmericanOdds []int64 `toml:"american_odds" yaml:"american_odds"`
}

// Defaults returns the settings used when a file leaves them out.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
			RateLimit:   20,
			RateBurst:   40,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "sportsamm.db",
		},
		Redis: RedisConfig{
			Channel:      "sportsamm:events",
			Stream:       "sportsamm:journal",
			StreamMaxLen: 10000,
		},
		AMM: AMMConfig{
			Saturation: "exact",
		},
		Pool: PoolConfig{
			KeeperInterval: "1m",
			CloseBatchSize: 100,
		},
	}
}
