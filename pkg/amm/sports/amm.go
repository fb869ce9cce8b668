// Package sports is the AMM orchestrator. It prices trades on sports and positional
// markets, enforces risk caps, moves collateral between traders, market escrow and the
// liquidity pool's rounds, and settles markets and parlays once they resolve.
//
// Every exported operation runs as one transition under a single lock: it validates
// and checks collateral first and only then mutates state, so a rejected call leaves
// nothing behind.
package sports

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/amm/parlay"
	"github.com/phenomenon0/sportsamm/pkg/amm/pool"
	"github.com/phenomenon0/sportsamm/pkg/amm/pricing"
	"github.com/phenomenon0/sportsamm/pkg/amm/risk"
	"github.com/phenomenon0/sportsamm/pkg/collateral"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/events"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
	"github.com/phenomenon0/sportsamm/pkg/market"
	"github.com/phenomenon0/sportsamm/pkg/odds"
	"github.com/phenomenon0/sportsamm/pkg/oracle"
)

var secondsPerDay = decimal.NewFromInt(86400)

// Observer is notified of rejected operations.
type Observer interface {
	ObserveRejection(op string, err error)
}

// Deps are the AMM's collaborators. Swapper, Prices, Events, Observer, Logger and
// Clock are optional.
type Deps struct {
	Registry *market.Registry
	Pricing  *pricing.Engine
	Risk     *risk.Manager
	Pool     *pool.Pool
	Parlays  *parlay.Combiner
	Book     *parlay.Book

	Token   collateral.Token
	Swapper collateral.Swapper
	Oracle  oracle.Oracle
	Prices  oracle.PriceFeed

	Events   *events.Fanout
	Observer Observer
	Logger   *slog.Logger
	Clock    func() time.Time
}

// AMM is the single-writer orchestrator.
type AMM struct {
	mu  sync.Mutex
	cfg Config

	registry *market.Registry
	pricing  *pricing.Engine
	risk     *risk.Manager
	pool     *pool.Pool
	parlays  *parlay.Combiner
	book     *parlay.Book

	token    collateral.Token
	swapper  collateral.Swapper
	oracle   oracle.Oracle
	prices   oracle.PriceFeed
	events   *events.Fanout
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	// holdings is the position inventory each trader bought from the AMM.
	holdings map[common.Address]map[risk.LegKey]decimal.Decimal
}

// New wires the orchestrator and installs it as the pool's resolution source.
func New(cfg Config, deps Deps) (*AMM, error) {
	cfg = cfg.clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Registry == nil, deps.Pricing == nil, deps.Risk == nil, deps.Pool == nil,
		deps.Parlays == nil, deps.Token == nil, deps.Oracle == nil:
		return nil, fmt.Errorf("%w: amm is missing a required dependency", domain.ErrValidation)
	}
	a := &AMM{
		cfg:      cfg,
		registry: deps.Registry,
		pricing:  deps.Pricing,
		risk:     deps.Risk,
		pool:     deps.Pool,
		parlays:  deps.Parlays,
		book:     deps.Book,
		token:    deps.Token,
		swapper:  deps.Swapper,
		oracle:   deps.Oracle,
		prices:   deps.Prices,
		events:   deps.Events,
		observer: deps.Observer,
		logger:   deps.Logger,
		now:      deps.Clock,
		holdings: make(map[common.Address]map[risk.LegKey]decimal.Decimal),
	}
	if a.book == nil {
		a.book = parlay.NewBook()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	a.pool.SetResolver(resolver{registry: a.registry, book: a.book})
	return a, nil
}

// Config returns a copy of the orchestrator configuration.
func (a *AMM) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.clone()
}

func (a *AMM) Registry() *market.Registry { return a.registry }
func (a *AMM) Pool() *pool.Pool           { return a.pool }
func (a *AMM) Risk() *risk.Manager        { return a.risk }
func (a *AMM) Book() *parlay.Book         { return a.book }

// RegisterMarket adds a market handed over by the factory.
func (a *AMM) RegisterMarket(ctx context.Context, spec market.Spec) (market.Market, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.registry.Register(spec)
	if err != nil {
		return market.Market{}, a.reject("register", err)
	}
	a.logger.InfoContext(ctx, "amm: market registered",
		slog.String("market", m.Address.Hex()),
		slog.String("kind", m.Kind.String()),
		slog.String("tags", m.Tags.String()),
		slog.Time("maturity", m.Maturity))
	a.events.Emit(ctx, domain.MarketEvent{Market: m.Address, Status: m.Status.String(), Timestamp: a.now()})
	return m, nil
}

// Holding returns how many tokens of each position user holds on addr.
func (a *AMM) Holding(user, addr common.Address) []decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.registry.Get(addr)
	if err != nil {
		return nil
	}
	out := make([]decimal.Decimal, m.Positions())
	for i := range out {
		out[i] = a.holding(user, risk.LegKey{Market: addr, Position: market.Position(i)})
	}
	return out
}

func (a *AMM) holding(user common.Address, key risk.LegKey) decimal.Decimal {
	if v, ok := a.holdings[user][key]; ok {
		return v
	}
	return fixed.Zero
}

func (a *AMM) addHolding(user common.Address, key risk.LegKey, delta decimal.Decimal) {
	h, ok := a.holdings[user]
	if !ok {
		h = make(map[risk.LegKey]decimal.Decimal)
		a.holdings[user] = h
	}
	next := a.holding(user, key).Add(delta)
	if next.Sign() <= 0 {
		delete(h, key)
		return
	}
	h[key] = next
}

// baseProbability is the fair probability of position p before any spread.
func (a *AMM) baseProbability(ctx context.Context, m market.Market, p market.Position) (decimal.Decimal, error) {
	if m.Kind == market.KindPositional {
		return a.positionalProbability(ctx, m, p)
	}
	probs, err := a.oracle.Odds(ctx, m.Address)
	if err != nil {
		return fixed.Zero, fmt.Errorf("%w: odds for %s: %v", domain.ErrState, m.Address.Hex(), err)
	}
	if len(probs) != m.Positions() {
		return fixed.Zero, fmt.Errorf("%w: oracle quotes %d positions for a %d-sided market",
			domain.ErrState, len(probs), m.Positions())
	}
	if probs[p].Sign() <= 0 {
		return fixed.Zero, fmt.Errorf("%w: %s is not offered on %s", domain.ErrState, p.Name(m.Kind), m.Address.Hex())
	}
	return probs[p], nil
}

func (a *AMM) positionalProbability(ctx context.Context, m market.Market, p market.Position) (decimal.Decimal, error) {
	if a.prices == nil {
		return fixed.Zero, fmt.Errorf("%w: no price feed for positional markets", domain.ErrState)
	}
	vol, ok := a.cfg.ImpliedVolatility[strings.ToUpper(m.Asset)]
	if !ok {
		return fixed.Zero, fmt.Errorf("%w: no implied volatility for %s", domain.ErrState, m.Asset)
	}
	spot, err := a.prices.Spot(ctx, m.Asset)
	if err != nil {
		return fixed.Zero, fmt.Errorf("%w: spot for %s: %v", domain.ErrState, m.Asset, err)
	}
	left := m.Maturity.Sub(a.now())
	if left < 0 {
		left = 0
	}
	days := fixed.Div(decimal.NewFromInt(int64(left/time.Second)), secondsPerDay)
	prob, err := a.cfg.Odds.Probability(spot, m.Line, days, vol)
	if err != nil {
		return fixed.Zero, err
	}
	up, down := odds.UpDown(prob)
	if p == market.Up {
		return up, nil
	}
	return down, nil
}

// tradable checks that m accepts trades on position p right now.
func (a *AMM) tradable(m market.Market, p market.Position) error {
	if err := m.ValidPosition(p); err != nil {
		return err
	}
	now := a.now()
	if err := m.Tradable(now); err != nil {
		return err
	}
	if m.Maturity.Sub(now) < a.cfg.MinTimeToMaturity {
		return fmt.Errorf("%w: market %s stops trading %s before maturity",
			domain.ErrState, m.Address.Hex(), a.cfg.MinTimeToMaturity)
	}
	return nil
}

// game returns the parent record of m.
func (a *AMM) game(m market.Market) (market.Market, error) {
	if !m.IsChild() {
		return m, nil
	}
	return a.registry.Get(m.Parent)
}

// exposureRound returns the round already backing key, or the one its maturity falls in.
func (a *AMM) exposureRound(key string, maturity time.Time) (int, error) {
	if r, ok := a.pool.ExposureRound(key); ok {
		return r, nil
	}
	return a.pool.RoundForMaturity(maturity)
}

func (a *AMM) reject(op string, err error) error {
	if a.observer != nil && err != nil {
		a.observer.ObserveRejection(op, err)
	}
	return err
}

func marketKey(addr common.Address) string { return addr.Hex() }

// resolver answers the pool's resolution queries from the registry and parlay book.
// It never calls back into the AMM, so the pool may query it under its own lock.
type resolver struct {
	registry *market.Registry
	book     *parlay.Book
}

func (r resolver) IsResolved(key string) bool {
	if id, ok := parlay.IDFromKey(key); ok {
		return r.book.IsFinal(id, r.registry.Get)
	}
	if !common.IsHexAddress(key) {
		return false
	}
	return r.registry.IsFinal(common.HexToAddress(key))
}
