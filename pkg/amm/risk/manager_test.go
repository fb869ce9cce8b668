package risk

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/market"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	nbaGame  = market.Market{Address: common.HexToAddress("0xa1"), Tags: market.Tags{Sport: market.SportNBA}, Maturity: time.Now().Add(time.Hour)}
	nbaTotal = market.Market{Address: common.HexToAddress("0xa2"), Parent: common.HexToAddress("0xa1"), Tags: market.Tags{Sport: market.SportNBA, Child: market.ChildTotal}}
	nbaProps = market.Market{Address: common.HexToAddress("0xa3"), Parent: common.HexToAddress("0xa1"), Tags: market.Tags{Sport: market.SportNBA, Child: market.ChildPlayerProps}}
	eplGame  = market.Market{Address: common.HexToAddress("0xb1"), Tags: market.Tags{Sport: market.SportEPL}}
	nflGame  = market.Market{Address: common.HexToAddress("0xc1"), Tags: market.Tags{Sport: market.SportNFL}}
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultCap = d("1000")
	cfg.MaxCap = d("50000")
	cfg.SportCaps[market.SportNBA] = d("5000")
	cfg.ChildCaps[market.Tags{Sport: market.SportNBA, Child: market.ChildTotal}] = d("2000")
	cfg.MarketCaps[eplGame.Address] = d("7500")
	cfg.DefaultRiskMultiplier = d("2")
	cfg.SportRiskMultipliers[market.SportNBA] = d("3")
	cfg.MarketRiskMultipliers[nflGame.Address] = d("0.5")
	cfg.MaxParlayPayout = d("10000")
	cfg.ParlayMarketCap = d("15000")
	return cfg
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testConfig())
	require.NoError(t, err)
	return m
}

func TestCapLookupOrder(t *testing.T) {
	m := newManager(t)
	tests := []struct {
		name string
		mkt  market.Market
		want string
	}{
		{"sport cap", nbaGame, "5000"},
		{"child cap", nbaTotal, "2000"},
		{"child falls back to sport", nbaProps, "5000"},
		{"market override", eplGame, "7500"},
		{"default", nflGame, "1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, m.CapFor(tt.mkt).Equal(d(tt.want)), "got %s", m.CapFor(tt.mkt))
		})
	}
}

func TestMarketOverrideBeatsChildCap(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Update(func(c *Config) { c.MarketCaps[nbaTotal.Address] = d("300") }))
	assert.True(t, m.CapFor(nbaTotal).Equal(d("300")))
}

func TestRiskMultiplierAndSideCap(t *testing.T) {
	m := newManager(t)
	assert.True(t, m.RiskMultiplierFor(nbaGame).Equal(d("3")))
	assert.True(t, m.RiskMultiplierFor(eplGame).Equal(d("2")))
	assert.True(t, m.RiskMultiplierFor(nflGame).Equal(d("0.5")))

	assert.True(t, m.SideCap(nbaGame).Equal(d("5000")))
	assert.True(t, m.SideCap(nflGame).Equal(d("500")))

	assert.True(t, m.CheckWithin(nbaTotal, d("2000")))
	assert.False(t, m.CheckWithin(nbaTotal, d("2000.01")))
}

func TestTotalSpendingAcrossGame(t *testing.T) {
	m := newManager(t)
	// game limit = 5000 * 3
	assert.True(t, m.GameLimit(nbaGame).Equal(d("15000")))

	assert.True(t, m.IsTotalSpendingLessThanTotalRisk(d("15000"), nbaGame))
	m.RecordSpending(nbaGame.Address, d("9000"))
	m.RecordSpending(nbaTotal.Game(), d("5000"))
	assert.True(t, m.SpentOnGame(nbaGame.Address).Equal(d("14000")))

	assert.True(t, m.IsTotalSpendingLessThanTotalRisk(d("1000"), nbaGame))
	assert.False(t, m.IsTotalSpendingLessThanTotalRisk(d("1000.000000000000000001"), nbaGame))

	m.RecordSpending(nbaGame.Address, d("-20000"))
	assert.True(t, m.SpentOnGame(nbaGame.Address).IsZero())
}

func TestParlayCaps(t *testing.T) {
	m := newManager(t)
	legs := []LegKey{{Market: nbaGame.Address, Position: market.Home}, {Market: eplGame.Address, Position: market.Draw}}

	assert.ErrorIs(t, m.CheckParlay(d("10001"), legs), domain.ErrCapExceeded)
	require.NoError(t, m.CheckParlay(d("9000"), legs))

	m.RecordParlay(d("9000"), legs)
	assert.True(t, m.ParlayRisk(legs[0]).Equal(d("9000")))
	assert.True(t, m.ParlayCapacity(legs).Equal(d("6000")))
	assert.ErrorIs(t, m.CheckParlay(d("6001"), legs[:1]), domain.ErrCapExceeded)
	assert.NoError(t, m.CheckParlay(d("6000"), legs[:1]))

	other := []LegKey{{Market: nbaGame.Address, Position: market.Away}}
	assert.True(t, m.ParlayCapacity(other).Equal(d("10000")))

	m.ReleaseParlay(d("9000"), legs)
	assert.True(t, m.ParlayRisk(legs[0]).IsZero())
	assert.Equal(t, 0, m.Status().OpenParlayLegs)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"cap above max", func(c *Config) { c.SportCaps[market.SportNFL] = d("50001") }},
		{"negative default cap", func(c *Config) { c.DefaultCap = d("-1") }},
		{"multiplier above ten", func(c *Config) { c.DefaultRiskMultiplier = d("10.5") }},
		{"negative sport multiplier", func(c *Config) { c.SportRiskMultipliers[market.SportEPL] = d("-1") }},
		{"child cap without child tag", func(c *Config) { c.ChildCaps[market.Tags{Sport: market.SportNFL}] = d("1") }},
		{"market cap above max", func(c *Config) { c.MarketCaps[nflGame.Address] = d("60000") }},
		{"negative parlay cap", func(c *Config) { c.MaxParlayPayout = d("-5") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t)
			err := m.Update(tt.edit)
			assert.ErrorIs(t, err, domain.ErrValidation)
			// rejected updates leave the config untouched
			assert.True(t, m.Config().DefaultCap.Equal(d("1000")))
			assert.True(t, m.Config().MaxParlayPayout.Equal(d("10000")))
		})
	}

	require.NoError(t, DefaultConfig().Validate())
	ok := testConfig()
	ok.DefaultRiskMultiplier = d("10")
	assert.NoError(t, ok.Validate())
}

func TestConfigIsCopied(t *testing.T) {
	cfg := testConfig()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	cfg.SportCaps[market.SportNBA] = d("1")
	assert.True(t, m.CapFor(nbaGame).Equal(d("5000")))

	snapshot := m.Config()
	snapshot.SportCaps[market.SportNBA] = d("2")
	assert.True(t, m.CapFor(nbaGame).Equal(d("5000")))
}

func TestStatus(t *testing.T) {
	m := newManager(t)
	m.RecordSpending(nbaGame.Address, d("12.5"))
	s := m.Status()
	assert.Equal(t, "1000", s.DefaultCap)
	assert.Equal(t, 1, s.GamesTracked)
	assert.Equal(t, "12.5", s.SpentOnGames[nbaGame.Address.Hex()])
}
