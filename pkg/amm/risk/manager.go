// Package risk bounds the AMM's exposure per market, per game, per sport and per parlay leg.
package risk

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
	"github.com/phenomenon0/sportsamm/pkg/market"
)

// MaxRiskMultiplier bounds every configured multiplier.
var MaxRiskMultiplier = decimal.NewFromInt(10)

// Config defines the cap tables. Lookups go from the most to the least specific entry.
type Config struct {
	DefaultCap decimal.Decimal
	// MaxCap bounds every configured cap. Zero disables the bound.
	MaxCap decimal.Decimal

	SportCaps  map[market.SportTag]decimal.Decimal
	ChildCaps  map[market.Tags]decimal.Decimal // (sport, child) -> cap
	MarketCaps map[common.Address]decimal.Decimal

	DefaultRiskMultiplier decimal.Decimal
	SportRiskMultipliers  map[market.SportTag]decimal.Decimal
	MarketRiskMultipliers map[common.Address]decimal.Decimal

	// Parlay limits
	MaxParlayPayout decimal.Decimal // per parlay
	ParlayMarketCap decimal.Decimal // per (market, position) across open parlays; zero disables
}

// DefaultConfig returns conservative caps.
func DefaultConfig() Config {
	return Config{
		DefaultCap:            decimal.NewFromInt(1000),
		MaxCap:                decimal.NewFromInt(100000),
		SportCaps:             map[market.SportTag]decimal.Decimal{},
		ChildCaps:             map[market.Tags]decimal.Decimal{},
		MarketCaps:            map[common.Address]decimal.Decimal{},
		DefaultRiskMultiplier: decimal.NewFromInt(3),
		SportRiskMultipliers:  map[market.SportTag]decimal.Decimal{},
		MarketRiskMultipliers: map[common.Address]decimal.Decimal{},
		MaxParlayPayout:       decimal.NewFromInt(20000),
		ParlayMarketCap:       decimal.NewFromInt(50000),
	}
}

// Validate enforces cap <= MaxCap and multipliers in [0, 10].
func (c Config) Validate() error {
	if err := c.checkCap("default cap", c.DefaultCap); err != nil {
		return err
	}
	for tag, cap := range c.SportCaps {
		if err := c.checkCap(fmt.Sprintf("sport %d cap", tag), cap); err != nil {
			return err
		}
	}
	for tags, cap := range c.ChildCaps {
		if !tags.IsChild() {
			return fmt.Errorf("%w: child cap %s has no child tag", domain.ErrValidation, tags)
		}
		if err := c.checkCap(fmt.Sprintf("child %s cap", tags), cap); err != nil {
			return err
		}
	}
	for addr, cap := range c.MarketCaps {
		if err := c.checkCap("market "+addr.Hex()+" cap", cap); err != nil {
			return err
		}
	}
	if err := checkMultiplier("default", c.DefaultRiskMultiplier); err != nil {
		return err
	}
	for tag, m := range c.SportRiskMultipliers {
		if err := checkMultiplier(fmt.Sprintf("sport %d", tag), m); err != nil {
			return err
		}
	}
	for addr, m := range c.MarketRiskMultipliers {
		if err := checkMultiplier("market "+addr.Hex(), m); err != nil {
			return err
		}
	}
	if c.MaxParlayPayout.Sign() < 0 || c.ParlayMarketCap.Sign() < 0 {
		return fmt.Errorf("%w: parlay limits must not be negative", domain.ErrValidation)
	}
	return nil
}

func (c Config) checkCap(name string, cap decimal.Decimal) error {
	if cap.Sign() < 0 {
		return fmt.Errorf("%w: %s is negative", domain.ErrValidation, name)
	}
	if c.MaxCap.Sign() > 0 && cap.GreaterThan(c.MaxCap) {
		return fmt.Errorf("%w: %s %s above max cap %s", domain.ErrValidation, name, cap, c.MaxCap)
	}
	return nil
}

func checkMultiplier(name string, m decimal.Decimal) error {
	if m.Sign() < 0 || m.GreaterThan(MaxRiskMultiplier) {
		return fmt.Errorf("%w: %s risk multiplier %s outside [0, 10]", domain.ErrValidation, name, m)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.SportCaps = cloneMap(c.SportCaps)
	out.ChildCaps = cloneMap(c.ChildCaps)
	out.MarketCaps = cloneMap(c.MarketCaps)
	out.SportRiskMultipliers = cloneMap(c.SportRiskMultipliers)
	out.MarketRiskMultipliers = cloneMap(c.MarketRiskMultipliers)
	return out
}

func cloneMap[K comparable](in map[K]decimal.Decimal) map[K]decimal.Decimal {
	out := make(map[K]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LegKey identifies one side of one market inside parlays.
type LegKey struct {
	Market   common.Address
	Position market.Position
}

// Manager enforces caps and tracks spending per game and parlay risk per leg.
type Manager struct {
	mu         sync.RWMutex
	cfg        Config
	spent      map[common.Address]decimal.Decimal // parent game -> AMM spending
	parlayRisk map[LegKey]decimal.Decimal
}

// NewManager validates cfg and returns a manager.
func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		spent:      make(map[common.Address]decimal.Decimal),
		parlayRisk: make(map[LegKey]decimal.Decimal),
	}, nil
}

// Config returns a copy of the active configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.clone()
}

// Update applies fn to a copy of the config and swaps it in only if it validates.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.cfg.clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	m.cfg = next
	return nil
}

// CapFor resolves the cap of a market: market override, then (sport, child) for
// derived lines, then sport, then the default.
func (m *Manager) CapFor(mkt market.Market) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capFor(mkt.Address, mkt.Tags)
}

func (m *Manager) capFor(addr common.Address, tags market.Tags) decimal.Decimal {
	if cap, ok := m.cfg.MarketCaps[addr]; ok {
		return cap
	}
	if tags.IsChild() {
		if cap, ok := m.cfg.ChildCaps[tags]; ok {
			return cap
		}
	}
	if cap, ok := m.cfg.SportCaps[tags.Sport]; ok {
		return cap
	}
	return m.cfg.DefaultCap
}

// RiskMultiplierFor resolves market, then sport, then default multiplier.
func (m *Manager) RiskMultiplierFor(mkt market.Market) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.multiplierFor(mkt.Address, mkt.Tags.Sport)
}

func (m *Manager) multiplierFor(addr common.Address, sport market.SportTag) decimal.Decimal {
	if v, ok := m.cfg.MarketRiskMultipliers[addr]; ok {
		return v
	}
	if v, ok := m.cfg.SportRiskMultipliers[sport]; ok {
		return v
	}
	return m.cfg.DefaultRiskMultiplier
}

// SideCap is the most a single position of mkt may have sold: min(cap, cap*multiplier).
func (m *Manager) SideCap(mkt market.Market) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cap := m.capFor(mkt.Address, mkt.Tags)
	return fixed.Min(cap, fixed.Mul(cap, m.multiplierFor(mkt.Address, mkt.Tags.Sport)))
}

// CheckWithin reports whether exposure fits under the market's cap.
func (m *Manager) CheckWithin(mkt market.Market, exposure decimal.Decimal) bool {
	return exposure.LessThanOrEqual(m.CapFor(mkt))
}

// GameLimit is cap(parent)*multiplier(parent), the spending ceiling for a whole game.
// parent is the game's own market record.
func (m *Manager) GameLimit(parent market.Market) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fixed.Mul(m.capFor(parent.Address, parent.Tags), m.multiplierFor(parent.Address, parent.Tags.Sport))
}

// IsTotalSpendingLessThanTotalRisk reports whether spending amount more on the game of
// mkt keeps the game within cap(parent)*multiplier(parent). parent must be the game record.
func (m *Manager) IsTotalSpendingLessThanTotalRisk(amount decimal.Decimal, parent market.Market) bool {
	limit := m.GameLimit(parent)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spent[parent.Address].Add(amount).LessThanOrEqual(limit)
}

// RecordSpending adds delta (negative on sells) to the game's spending, floored at zero.
func (m *Manager) RecordSpending(game common.Address, delta decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spent[game] = fixed.Max(fixed.Zero, m.spent[game].Add(delta))
}

// SpentOnGame returns the AMM's spending on a parent game.
func (m *Manager) SpentOnGame(game common.Address) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.spent[game]; ok {
		return v
	}
	return fixed.Zero
}

// CheckParlay validates a parlay payout against the per-parlay and per-leg caps.
func (m *Manager) CheckParlay(payout decimal.Decimal, legs []LegKey) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if payout.GreaterThan(m.cfg.MaxParlayPayout) {
		return fmt.Errorf("%w: parlay payout %s above max %s", domain.ErrCapExceeded, payout, m.cfg.MaxParlayPayout)
	}
	if m.cfg.ParlayMarketCap.IsZero() {
		return nil
	}
	for _, leg := range legs {
		if m.parlayRisk[leg].Add(payout).GreaterThan(m.cfg.ParlayMarketCap) {
			return fmt.Errorf("%w: parlay risk on %s/%d above %s", domain.ErrCapExceeded,
				leg.Market.Hex(), leg.Position, m.cfg.ParlayMarketCap)
		}
	}
	return nil
}

// ParlayCapacity is the largest payout a new parlay over legs could still carry.
func (m *Manager) ParlayCapacity(legs []LegKey) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	capacity := m.cfg.MaxParlayPayout
	if m.cfg.ParlayMarketCap.IsZero() {
		return capacity
	}
	for _, leg := range legs {
		capacity = fixed.Min(capacity, fixed.Max(fixed.Zero, m.cfg.ParlayMarketCap.Sub(m.parlayRisk[leg])))
	}
	return capacity
}

// RecordParlay books payout against every leg.
func (m *Manager) RecordParlay(payout decimal.Decimal, legs []LegKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, leg := range legs {
		m.parlayRisk[leg] = m.parlayRisk[leg].Add(payout)
	}
}

// ReleaseParlay removes a settled parlay's payout from its legs.
func (m *Manager) ReleaseParlay(payout decimal.Decimal, legs []LegKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, leg := range legs {
		next := m.parlayRisk[leg].Sub(payout)
		if next.Sign() <= 0 {
			delete(m.parlayRisk, leg)
			continue
		}
		m.parlayRisk[leg] = next
	}
}

// ParlayRisk returns the open parlay payout booked on a leg.
func (m *Manager) ParlayRisk(leg LegKey) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.parlayRisk[leg]; ok {
		return v
	}
	return fixed.Zero
}

// Status summarizes the manager for the API.
type Status struct {
	DefaultCap            string            `json:"default_cap"`
	MaxCap                string            `json:"max_cap"`
	DefaultRiskMultiplier string            `json:"default_risk_multiplier"`
	MaxParlayPayout       string            `json:"max_parlay_payout"`
	GamesTracked          int               `json:"games_tracked"`
	SpentOnGames          map[string]string `json:"spent_on_games"`
	OpenParlayLegs        int               `json:"open_parlay_legs"`
}

// Status returns the current risk state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spent := make(map[string]string, len(m.spent))
	for game, v := range m.spent {
		spent[game.Hex()] = v.String()
	}
	return Status{
		DefaultCap:            m.cfg.DefaultCap.String(),
		MaxCap:                m.cfg.MaxCap.String(),
		DefaultRiskMultiplier: m.cfg.DefaultRiskMultiplier.String(),
		MaxParlayPayout:       m.cfg.MaxParlayPayout.String(),
		GamesTracked:          len(m.spent),
		SpentOnGames:          spent,
		OpenParlayLegs:        len(m.parlayRisk),
	}
}
