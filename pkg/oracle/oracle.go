// Package oracle defines the read-only data sources the AMM consults: game results and
// odds, underlying spot prices and depositor stakes. Ingesting and validating that data
// happens elsewhere.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
	"github.com/phenomenon0/sportsamm/pkg/market"
	"github.com/phenomenon0/sportsamm/pkg/odds"
)

// Oracle reports results and normalized odds for sports markets.
type Oracle interface {
	IsResolved(ctx context.Context, addr common.Address) (bool, error)
	IsCancelled(ctx context.Context, addr common.Address) (bool, error)
	Outcome(ctx context.Context, addr common.Address) (market.Position, error)
	// Odds returns one implied probability per position, summing to 1. A zero entry
	// means the line is not offered.
	Odds(ctx context.Context, addr common.Address) ([]decimal.Decimal, error)
}

// PriceFeed reports the spot price of a positional market's underlying.
type PriceFeed interface {
	Spot(ctx context.Context, asset string) (decimal.Decimal, error)
}

type result struct {
	resolved  bool
	cancelled bool
	outcome   market.Position
}

// Static is an in-memory Oracle, PriceFeed and staking source fed by whoever owns it.
type Static struct {
	mu      sync.RWMutex
	odds    map[common.Address][]decimal.Decimal
	results map[common.Address]result
	spots   map[string]decimal.Decimal
	stakes  map[common.Address]decimal.Decimal
}

func NewStatic() *Static {
	return &Static{
		odds:    make(map[common.Address][]decimal.Decimal),
		results: make(map[common.Address]result),
		spots:   make(map[string]decimal.Decimal),
		stakes:  make(map[common.Address]decimal.Decimal),
	}
}

// SetOdds stores implied probabilities for addr, normalizing them to sum to 1.
func (s *Static) SetOdds(addr common.Address, probs ...decimal.Decimal) error {
	norm, err := odds.Normalize(probs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.odds[addr] = norm
	return nil
}

// SetAmericanOdds stores a line quoted in American odds (+150, -120, 0 = not offered).
func (s *Static) SetAmericanOdds(addr common.Address, american ...int64) error {
	norm, err := odds.NormalizeAmerican(american)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.odds[addr] = norm
	return nil
}

// Resolve records the winning position of addr.
func (s *Static) Resolve(addr common.Address, outcome market.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[addr] = result{resolved: true, outcome: outcome}
}

// Cancel records that the game behind addr was cancelled.
func (s *Static) Cancel(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[addr] = result{resolved: true, cancelled: true}
}

func (s *Static) SetSpot(asset string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spots[strings.ToUpper(asset)] = price
}

func (s *Static) SetStake(user common.Address, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stakes[user] = amount
}

func (s *Static) IsResolved(_ context.Context, addr common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[addr].resolved, nil
}

func (s *Static) IsCancelled(_ context.Context, addr common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[addr].cancelled, nil
}

func (s *Static) Outcome(_ context.Context, addr common.Address) (market.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[addr]
	if !ok || !r.resolved || r.cancelled {
		return 0, fmt.Errorf("%w: no outcome for %s", domain.ErrNotFound, addr.Hex())
	}
	return r.outcome, nil
}

func (s *Static) Odds(_ context.Context, addr common.Address) ([]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.odds[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no odds for %s", domain.ErrNotFound, addr.Hex())
	}
	return append([]decimal.Decimal(nil), o...), nil
}

func (s *Static) Spot(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.spots[strings.ToUpper(asset)]
	if !ok || p.Sign() <= 0 {
		return fixed.Zero, fmt.Errorf("%w: no spot price for %s", domain.ErrNotFound, asset)
	}
	return p, nil
}

// StakedBalance satisfies the pool's staking source.
func (s *Static) StakedBalance(_ context.Context, user common.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.stakes[user]; ok {
		return v, nil
	}
	return fixed.Zero, nil
}
