package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/sportsamm/pkg/amm/parlay"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/market"
	"github.com/phenomenon0/sportsamm/pkg/odds"
)

const tomlConfig = `
log_level = "debug"

[server]
addr = ":9090"
rate_limit = 5

[store]
driver = "sqlite"
dsn = ":memory:"

[amm]
safe_box = "0x00000000000000000000000000000000000000bb"
min_time_to_maturity = "10m"
saturation = "supported"
min_probability = "0.02"
max_probability = "0.98"

[amm.implied_volatility]
eth = "0.8"

[pricing]
min_spread = "0.02"
safe_box_fee_bps = 0

[risk]
default_cap = "2000"
max_parlay_payout = "15000"

[risk.sport_caps]
NBA = "5000"
"Prémier League" = "3000"

[risk.child_caps]
"nba/total" = "800"

[risk.market_caps]
"0x00000000000000000000000000000000000000a1" = "4000"

[pool]
address = "0x00000000000000000000000000000000000000aa"
round_length = "72h"
max_allowed_users = 10
keeper_interval = "30s"

[[pool.genesis]]
user = "0x00000000000000000000000000000000000000dd"
amount = "50000"

[collateral]
reserve = "0x00000000000000000000000000000000000000cc"
reserve_balance = "250000"
swap_fee_bps = 4

[collateral.assets]
usdt = "1"

[parlay]
min_legs = 3

[[parlay.sgp_factors]]
sport = "NBA"
child_a = "spread"
child_b = "total"
factor = "0.9"

[[markets]]
address = "0x00000000000000000000000000000000000000a1"
sport = "NBA"
maturity = "2026-03-01T20:00:00Z"
american_odds = [150, -150]

[[markets]]
address = "0x00000000000000000000000000000000000000a2"
parent = "0x00000000000000000000000000000000000000a1"
child = "total"
line = "215.5"
`

const yamlConfig = `
log_format: text
store:
  driver: none
amm:
  safe_box: "0x00000000000000000000000000000000000000bb"
pool:
  address: "0x00000000000000000000000000000000000000aa"
  default_liquidity_provider: "0x00000000000000000000000000000000000000dd"
  whitelist:
    - "0x0000000000000000000000000000000000000001"
parlay:
  parlay_fee_bps: 0
markets:
  - address: "0x00000000000000000000000000000000000000c1"
    kind: positional
    sport: crypto
    asset: eth
    line: "3000"
    maturity: "2026-03-01T00:00:00Z"
`

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "ammd.toml", tomlConfig))
	require.NoError(t, err)
	tags := market.NewTagRegistry()
	require.NoError(t, cfg.Validate(tags))

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat, "defaults survive a partial file")
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 40, cfg.Server.RateBurst)

	pc, err := cfg.PricingConfig()
	require.NoError(t, err)
	assert.True(t, pc.MinSpread.Equal(d("0.02")))
	assert.True(t, pc.MaxSpread.Equal(d("0.05")))
	assert.Zero(t, pc.SafeBoxFeeBps, "an explicit zero fee is kept")

	rc, err := cfg.RiskConfig(tags)
	require.NoError(t, err)
	assert.True(t, rc.DefaultCap.Equal(d("2000")))
	assert.True(t, rc.SportCaps[market.SportNBA].Equal(d("5000")))
	assert.True(t, rc.SportCaps[market.SportEPL].Equal(d("3000")), "sport names fold accents and case")
	assert.True(t, rc.ChildCaps[market.Tags{Sport: market.SportNBA, Child: market.ChildTotal}].Equal(d("800")))
	assert.True(t, rc.MarketCaps[common.HexToAddress("0xa1")].Equal(d("4000")))
	assert.True(t, rc.MaxParlayPayout.Equal(d("15000")))

	poc, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xaa"), poc.Address)
	assert.Equal(t, 72*time.Hour, poc.RoundLength)
	assert.Equal(t, 10, poc.MaxAllowedUsers)
	assert.Equal(t, 4, poc.PreallocatedRounds)

	keeper, err := cfg.Keeper()
	require.NoError(t, err)
	assert.Equal(t, Keeper{Interval: 30 * time.Second, BatchSize: 100}, keeper)

	genesis, err := cfg.GenesisDeposits()
	require.NoError(t, err)
	require.Len(t, genesis, 1)
	assert.Equal(t, common.HexToAddress("0xdd"), genesis[0].User)
	assert.True(t, genesis[0].Amount.Equal(d("50000")))

	swap, err := cfg.Swap()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xcc"), swap.Reserve)
	assert.True(t, swap.ReserveBalance.Equal(d("250000")))
	assert.Equal(t, int64(4), swap.FeeBps)
	assert.True(t, swap.Rates["USDT"].Equal(d("1")), "asset symbols are upper-cased")

	parc, err := cfg.ParlayConfig(tags)
	require.NoError(t, err)
	assert.Equal(t, 3, parc.MinLegs)
	factor, ok := parc.SGPFactors[parlay.NewSGPKey(market.SportNBA, market.ChildTotal, market.ChildSpread)]
	require.True(t, ok, "factor keys are order independent")
	assert.True(t, factor.Equal(d("0.9")))

	sc, err := cfg.SportsConfig()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xbb"), sc.SafeBox)
	assert.Equal(t, 10*time.Minute, sc.MinTimeToMaturity)
	assert.Equal(t, odds.SaturateSupported, sc.Odds.Saturation)
	assert.True(t, sc.ImpliedVolatility["ETH"].Equal(d("0.8")))

	seeds, err := cfg.Seeds(tags)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	game := seeds[0]
	assert.Equal(t, market.SportNBA, game.Spec.Tags.Sport)
	assert.Equal(t, time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC), game.Spec.Maturity)
	require.Len(t, game.Odds, 2)
	assert.True(t, game.Odds[0].Equal(d("0.4")))
	assert.True(t, game.Odds[1].Equal(d("0.6")))

	child := seeds[1]
	assert.Equal(t, common.HexToAddress("0xa1"), child.Spec.Parent)
	assert.Equal(t, market.ChildTotal, child.Spec.Tags.Child)
	assert.True(t, child.Spec.Line.Equal(d("215.5")))
	assert.Empty(t, child.Odds)
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "ammd.yaml", yamlConfig))
	require.NoError(t, err)
	tags := market.NewTagRegistry()
	require.NoError(t, cfg.Validate(tags))

	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "none", cfg.Store.Driver)

	poc, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xdd"), poc.DefaultLiquidityProvider)

	wl, err := cfg.Whitelist()
	require.NoError(t, err)
	assert.Equal(t, []common.Address{common.HexToAddress("0x01")}, wl)

	parc, err := cfg.ParlayConfig(tags)
	require.NoError(t, err)
	assert.Zero(t, parc.ParlayFeeBps)
	assert.Equal(t, int64(100), parc.SafeBoxFeeBps)

	seeds, err := cfg.Seeds(tags)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, market.KindPositional, seeds[0].Spec.Kind)
	assert.Equal(t, market.SportCrypto, seeds[0].Spec.Tags.Sport)
	assert.Equal(t, "ETH", seeds[0].Spec.Asset)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AMM_SERVER_ADDR", ":7070")
	t.Setenv("AMM_STORE_DRIVER", "postgres")
	t.Setenv("AMM_STORE_DSN", "postgres://amm@localhost/amm")
	t.Setenv("AMM_REDIS_ADDR", "localhost:6379")
	t.Setenv("AMM_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("AMM_SAFE_BOX", "0x00000000000000000000000000000000000000ee")

	cfg, err := Load(writeFile(t, "ammd.yml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://amm@localhost/amm", cfg.Store.DSN)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)

	sc, err := cfg.SportsConfig()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xee"), sc.SafeBox)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "ammd.json", "{}"))
	assert.ErrorContains(t, err, "unsupported file extension")

	_, err = Load(writeFile(t, "ammd.toml", "log_level = "))
	assert.ErrorContains(t, err, "parse TOML")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tags := market.NewTagRegistry()
	base := func() *Config {
		cfg := Defaults()
		cfg.AMM.SafeBox = "0x00000000000000000000000000000000000000bb"
		cfg.Pool.Address = "0x00000000000000000000000000000000000000aa"
		return &cfg
	}
	require.NoError(t, base().Validate(tags))

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing safe box", func(c *Config) { c.AMM.SafeBox = "" }},
		{"bad pool address", func(c *Config) { c.Pool.Address = "pool" }},
		{"cap above max cap", func(c *Config) { c.Risk.DefaultCap = "200000" }},
		{"multiplier above ten", func(c *Config) { c.Risk.DefaultRiskMultiplier = "11" }},
		{"unknown sport", func(c *Config) { c.Risk.SportCaps = map[string]string{"curling": "10"} }},
		{"child cap without child", func(c *Config) { c.Risk.ChildCaps = map[string]string{"NBA": "10"} }},
		{"spread not a number", func(c *Config) { c.Pricing.MinSpread = "wide" }},
		{"inverted supported prices", func(c *Config) { c.Pricing.MinSupportedPrice = "0.96" }},
		{"sgp factor of one", func(c *Config) {
			c.Parlay.SGPFactors = []SGPFactorConfig{{Sport: "NBA", ChildA: "spread", ChildB: "total", Factor: "1"}}
		}},
		{"bad round length", func(c *Config) { c.Pool.RoundLength = "a week" }},
		{"unknown saturation", func(c *Config) { c.AMM.Saturation = "clip" }},
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }},
		{"zero keeper interval", func(c *Config) { c.Pool.KeeperInterval = "0s" }},
		{"negative genesis deposit", func(c *Config) {
			c.Pool.Genesis = []GenesisDeposit{{User: "0x0000000000000000000000000000000000000001", Amount: "-5"}}
		}},
		{"swap asset without reserve", func(c *Config) { c.Collateral.Assets = map[string]string{"DAI": "1"} }},
		{"odds and american odds", func(c *Config) {
			c.Markets = []MarketConfig{{
				Address: "0x00000000000000000000000000000000000000a1", Sport: "NBA",
				Maturity: "2026-03-01T20:00:00Z", Odds: []string{"0.5", "0.5"}, AmericanOdds: []int64{100, -100},
			}}
		}},
		{"bad maturity", func(c *Config) {
			c.Markets = []MarketConfig{{Address: "0x00000000000000000000000000000000000000a1", Maturity: "tomorrow"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate(tags)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}
