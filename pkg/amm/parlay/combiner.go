// Package parlay combines several market legs into a single ticket whose odds are the
// product of the legs' odds, discounted for correlated legs of the same game and for
// the parlay fee.
package parlay

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
	"github.com/phenomenon0/sportsamm/pkg/market"
)

// SGPKey identifies a same-game pair of child market types within a sport.
// ChildA <= ChildB always holds; use NewSGPKey to build one.
type SGPKey struct {
	Sport  market.SportTag
	ChildA market.ChildTag
	ChildB market.ChildTag
}

func NewSGPKey(sport market.SportTag, a, b market.ChildTag) SGPKey {
	if a > b {
		a, b = b, a
	}
	return SGPKey{Sport: sport, ChildA: a, ChildB: b}
}

// Config holds the combiner parameters.
type Config struct {
	// ParlayFeeBps discounts the joint odds.
	ParlayFeeBps int64
	// SafeBoxFeeBps is charged on the stake on top of it.
	SafeBoxFeeBps int64

	// MaxSupportedOdds caps the decimal odds of a single leg.
	MaxSupportedOdds decimal.Decimal
	// MaxTotalOdds caps the joint odds of a ticket. Zero disables the cap.
	MaxTotalOdds decimal.Decimal

	MinLegs  int
	MaxLegs  int
	MinStake decimal.Decimal

	// SGPFactors discounts pairs of correlated legs on the same game.
	SGPFactors map[SGPKey]decimal.Decimal
}

// DefaultConfig allows 2 to 8 legs with a 2% parlay fee.
func DefaultConfig() Config {
	return Config{
		ParlayFeeBps:     200,
		SafeBoxFeeBps:    100,
		MaxSupportedOdds: decimal.NewFromInt(50),
		MaxTotalOdds:     decimal.NewFromInt(10000),
		MinLegs:          2,
		MaxLegs:          8,
		MinStake:         decimal.NewFromInt(1),
		SGPFactors:       make(map[SGPKey]decimal.Decimal),
	}
}

func (c Config) Validate() error {
	if c.ParlayFeeBps < 0 || c.ParlayFeeBps >= 10000 || c.SafeBoxFeeBps < 0 || c.SafeBoxFeeBps >= 10000 {
		return fmt.Errorf("%w: parlay fees must be in [0, 10000) bps", domain.ErrValidation)
	}
	if c.MaxSupportedOdds.LessThanOrEqual(fixed.One) {
		return fmt.Errorf("%w: max supported odds must exceed 1", domain.ErrValidation)
	}
	if c.MaxTotalOdds.Sign() < 0 {
		return fmt.Errorf("%w: max total odds is negative", domain.ErrValidation)
	}
	if c.MinLegs < 1 || c.MaxLegs < c.MinLegs {
		return fmt.Errorf("%w: leg bounds [%d, %d]", domain.ErrValidation, c.MinLegs, c.MaxLegs)
	}
	if c.MinStake.Sign() < 0 {
		return fmt.Errorf("%w: min stake is negative", domain.ErrValidation)
	}
	for k, f := range c.SGPFactors {
		if err := CheckSGPFactor(f); err != nil {
			return fmt.Errorf("%w (sport %d, children %d/%d)", err, k.Sport, k.ChildA, k.ChildB)
		}
	}
	return nil
}

// CheckSGPFactor rejects factors outside (0, 1).
func CheckSGPFactor(f decimal.Decimal) error {
	if f.Sign() <= 0 || f.GreaterThanOrEqual(fixed.One) {
		return fmt.Errorf("%w: sgp factor %s outside (0, 1)", domain.ErrValidation, f)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.SGPFactors = make(map[SGPKey]decimal.Decimal, len(c.SGPFactors))
	for k, v := range c.SGPFactors {
		out.SGPFactors[k] = v
	}
	return out
}

// Leg is one selection of a parlay together with the market data it was priced from.
type Leg struct {
	Market   common.Address  `json:"market"`
	Parent   common.Address  `json:"parent"`
	Tags     market.Tags     `json:"tags"`
	Position market.Position `json:"position"`
	// Prob is the base probability at combination time.
	Prob decimal.Decimal `json:"prob"`
	// Odds is min(1/Prob, MaxSupportedOdds), frozen at creation.
	Odds decimal.Decimal `json:"odds"`
}

// NewLeg builds a leg for position p of m priced at prob.
func NewLeg(m market.Market, p market.Position, prob decimal.Decimal) Leg {
	return Leg{Market: m.Address, Parent: m.Game(), Tags: m.Tags, Position: p, Prob: prob}
}

// Pair is a correlated pair of legs and the discount it carries.
type Pair struct {
	A, B   int
	Factor decimal.Decimal
}

// Combination is a priced set of legs.
type Combination struct {
	Legs      []Leg           `json:"legs"`
	Pairs     []Pair          `json:"pairs,omitempty"`
	RawOdds   decimal.Decimal `json:"raw_odds"`
	SGPFactor decimal.Decimal `json:"sgp_factor"`
	FeeFactor decimal.Decimal `json:"fee_factor"`
	JointOdds decimal.Decimal `json:"joint_odds"`
}

// Combiner prices parlays.
type Combiner struct {
	mu  sync.RWMutex
	cfg Config
}

func NewCombiner(cfg Config) (*Combiner, error) {
	if cfg.SGPFactors == nil {
		cfg.SGPFactors = make(map[SGPKey]decimal.Decimal)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Combiner{cfg: cfg.clone()}, nil
}

func (c *Combiner) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.clone()
}

// Update applies fn to a copy of the config and swaps it in only if it validates.
func (c *Combiner) Update(fn func(*Config)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cfg.clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	c.cfg = next
	return nil
}

// SGPFactor returns the discount for two child types of a sport, if the pair may be combined.
func (c *Combiner) SGPFactor(sport market.SportTag, a, b market.ChildTag) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.cfg.SGPFactors[NewSGPKey(sport, a, b)]
	return f, ok
}

// Combine validates legs and prices the ticket:
// JointOdds = Π min(1/p, maxOdds) · Π sgpFactor · (1 - parlayFee).
func (c *Combiner) Combine(legs []Leg) (Combination, error) {
	cfg := c.Config()
	if len(legs) < cfg.MinLegs || len(legs) > cfg.MaxLegs {
		return Combination{}, fmt.Errorf("%w: %d legs, need %d to %d", domain.ErrValidation, len(legs), cfg.MinLegs, cfg.MaxLegs)
	}

	out := Combination{Legs: make([]Leg, len(legs))}
	seen := make(map[common.Address]bool, len(legs))
	raw := fixed.One
	for i, leg := range legs {
		if seen[leg.Market] {
			return Combination{}, fmt.Errorf("%w: market %s appears twice", domain.ErrValidation, leg.Market.Hex())
		}
		seen[leg.Market] = true
		if leg.Prob.Sign() <= 0 || leg.Prob.GreaterThanOrEqual(fixed.One) {
			return Combination{}, fmt.Errorf("%w: leg %s has no tradable odds", domain.ErrState, leg.Market.Hex())
		}
		leg.Odds = fixed.Min(fixed.Div(fixed.One, leg.Prob), cfg.MaxSupportedOdds)
		out.Legs[i] = leg
		raw = fixed.Mul(raw, leg.Odds)
	}

	sgp := fixed.One
	for i := 0; i < len(out.Legs); i++ {
		for j := i + 1; j < len(out.Legs); j++ {
			a, b := out.Legs[i], out.Legs[j]
			if a.Parent != b.Parent {
				continue
			}
			f, ok := cfg.SGPFactors[NewSGPKey(a.Tags.Sport, a.Tags.Child, b.Tags.Child)]
			if !ok {
				return Combination{}, fmt.Errorf("%w: %s and %s cannot be combined on the same game",
					domain.ErrValidation, a.Tags, b.Tags)
			}
			out.Pairs = append(out.Pairs, Pair{A: i, B: j, Factor: f})
			sgp = fixed.Mul(sgp, f)
		}
	}

	out.RawOdds = raw
	out.SGPFactor = sgp
	out.FeeFactor = fixed.One.Sub(fixed.FromBps(cfg.ParlayFeeBps))
	out.JointOdds = fixed.Mul(fixed.Mul(raw, sgp), out.FeeFactor)
	if cfg.MaxTotalOdds.Sign() > 0 && out.JointOdds.GreaterThan(cfg.MaxTotalOdds) {
		return Combination{}, fmt.Errorf("%w: joint odds %s above %s", domain.ErrCapExceeded, out.JointOdds, cfg.MaxTotalOdds)
	}
	if out.JointOdds.LessThanOrEqual(fixed.One) {
		return Combination{}, fmt.Errorf("%w: joint odds %s do not pay out", domain.ErrValidation, out.JointOdds)
	}
	return out, nil
}

// Quote is a priced ticket for a given stake.
type Quote struct {
	Combination
	Stake      decimal.Decimal `json:"stake"`
	SafeBoxFee decimal.Decimal `json:"safe_box_fee"`
	// Total is what the buyer pays: Stake plus SafeBoxFee.
	Total  decimal.Decimal `json:"total"`
	Payout decimal.Decimal `json:"payout"`
}

// Quote prices stake on comb.
func (c *Combiner) Quote(comb Combination, stake decimal.Decimal) (Quote, error) {
	cfg := c.Config()
	if stake.Sign() <= 0 || stake.LessThan(cfg.MinStake) {
		return Quote{}, fmt.Errorf("%w: stake %s below minimum %s", domain.ErrValidation, stake, cfg.MinStake)
	}
	fee := fixed.ApplyBps(stake, cfg.SafeBoxFeeBps)
	return Quote{
		Combination: comb,
		Stake:       stake,
		SafeBoxFee:  fee,
		Total:       stake.Add(fee),
		Payout:      fixed.Mul(stake, comb.JointOdds),
	}, nil
}

// MaxStake is the largest stake whose payout fits within capacity.
func MaxStake(comb Combination, capacity decimal.Decimal) decimal.Decimal {
	if comb.JointOdds.Sign() <= 0 || capacity.Sign() <= 0 {
		return fixed.Zero
	}
	return fixed.Div(capacity, comb.JointOdds)
}
