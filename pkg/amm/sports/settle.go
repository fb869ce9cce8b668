package sports

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/amm/risk"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
	"github.com/phenomenon0/sportsamm/pkg/market"
)

// Resolve records the winning position of addr. Before maturity it requires manual.
func (a *AMM) Resolve(ctx context.Context, addr common.Address, outcome market.Position, manual bool) (market.Market, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.registry.Resolve(addr, outcome, manual)
	if err != nil {
		return market.Market{}, a.reject("resolve", err)
	}
	a.marketChanged(ctx, m)
	return m, nil
}

// Cancel voids addr and every open child market of it.
func (a *AMM) Cancel(ctx context.Context, addr common.Address) (market.Market, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.cancel(ctx, addr)
	if err != nil {
		return market.Market{}, a.reject("cancel", err)
	}
	return m, nil
}

func (a *AMM) cancel(ctx context.Context, addr common.Address) (market.Market, error) {
	m, err := a.registry.Cancel(addr)
	if err != nil {
		return market.Market{}, err
	}
	a.marketChanged(ctx, m)
	for _, child := range a.registry.Children(addr) {
		if child.Status.Final() {
			continue
		}
		c, err := a.registry.Cancel(child.Address)
		if err != nil {
			return market.Market{}, fmt.Errorf("amm: cancel child %s: %w", child.Address.Hex(), err)
		}
		a.marketChanged(ctx, c)
	}
	return m, nil
}

// SetPaused pauses or resumes trading on addr.
func (a *AMM) SetPaused(ctx context.Context, addr common.Address, paused bool) (market.Market, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.registry.SetPaused(addr, paused)
	if err != nil {
		return market.Market{}, a.reject("pause", err)
	}
	a.marketChanged(ctx, m)
	return m, nil
}

// SyncMarket pulls the oracle's verdict on addr and applies it. Markets the oracle has
// not decided yet are returned unchanged.
func (a *AMM) SyncMarket(ctx context.Context, addr common.Address) (market.Market, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.syncMarket(ctx, addr)
	if err != nil {
		return market.Market{}, a.reject("sync", err)
	}
	return m, nil
}

func (a *AMM) syncMarket(ctx context.Context, addr common.Address) (market.Market, error) {
	m, err := a.registry.Get(addr)
	if err != nil {
		return market.Market{}, err
	}
	if m.Status.Final() {
		return m, nil
	}
	cancelled, err := a.oracle.IsCancelled(ctx, addr)
	if err != nil {
		return market.Market{}, fmt.Errorf("amm: oracle cancellation of %s: %w", addr.Hex(), err)
	}
	if cancelled {
		return a.cancel(ctx, addr)
	}
	resolved, err := a.oracle.IsResolved(ctx, addr)
	if err != nil {
		return market.Market{}, fmt.Errorf("amm: oracle resolution of %s: %w", addr.Hex(), err)
	}
	if !resolved {
		return m, nil
	}
	outcome, err := a.oracle.Outcome(ctx, addr)
	if err != nil {
		return market.Market{}, fmt.Errorf("amm: oracle outcome of %s: %w", addr.Hex(), err)
	}
	m, err = a.registry.Resolve(addr, outcome, false)
	if err != nil {
		return market.Market{}, err
	}
	a.marketChanged(ctx, m)
	return m, nil
}

func (a *AMM) marketChanged(ctx context.Context, m market.Market) {
	a.logger.InfoContext(ctx, "amm: market "+m.Status.String(),
		slog.String("market", m.Address.Hex()),
		slog.String("outcome", m.Outcome.Name(m.Kind)))
	a.events.Emit(ctx, domain.MarketEvent{
		Market:    m.Address,
		Status:    m.Status.String(),
		Outcome:   int(m.Outcome),
		Timestamp: a.now(),
	})
}

// Exercise pays user for every token held on a resolved or cancelled market.
func (a *AMM) Exercise(ctx context.Context, user, addr common.Address) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	paid, err := a.exercise(ctx, user, addr)
	if err != nil {
		return fixed.Zero, a.reject("exercise", err)
	}
	return paid, nil
}

func (a *AMM) exercise(ctx context.Context, user, addr common.Address) (decimal.Decimal, error) {
	m, err := a.registry.Get(addr)
	if err != nil {
		return fixed.Zero, err
	}
	if !m.Status.Final() {
		return fixed.Zero, fmt.Errorf("%w: market %s is %s", domain.ErrState, addr.Hex(), m.Status)
	}
	payout := fixed.Zero
	held := false
	for p, n := 0, m.Positions(); p < n; p++ {
		key := risk.LegKey{Market: addr, Position: market.Position(p)}
		amount := a.holding(user, key)
		if amount.IsZero() {
			continue
		}
		held = true
		payout = payout.Add(fixed.Mul(amount, m.PayoutPerToken(key.Position)))
	}
	if !held {
		return fixed.Zero, fmt.Errorf("%w: %s holds nothing on %s", domain.ErrState, user.Hex(), addr.Hex())
	}
	if payout.Sign() > 0 {
		if err := a.token.Transfer(ctx, a.pool.Address(), user, payout); err != nil {
			return fixed.Zero, fmt.Errorf("amm: pay %s: %w", user.Hex(), err)
		}
	}
	for p, n := 0, m.Positions(); p < n; p++ {
		delete(a.holdings[user], risk.LegKey{Market: addr, Position: market.Position(p)})
	}

	a.logger.InfoContext(ctx, "amm: exercised",
		slog.String("user", user.Hex()),
		slog.String("market", addr.Hex()),
		slog.String("payout", payout.String()))
	a.events.Emit(ctx, domain.ClaimEvent{User: user, Market: addr, Amount: payout, Timestamp: a.now()})
	return payout, nil
}

// ExerciseMarket returns the escrow a final market no longer owes its holders to the
// round that funded it, and returns the amount released.
func (a *AMM) ExerciseMarket(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	released, err := a.exerciseMarket(ctx, addr)
	if err != nil {
		return fixed.Zero, a.reject("exercise_market", err)
	}
	return released, nil
}

func (a *AMM) exerciseMarket(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	m, err := a.registry.Get(addr)
	if err != nil {
		return fixed.Zero, err
	}
	if !m.Status.Final() {
		return fixed.Zero, fmt.Errorf("%w: market %s is %s", domain.ErrState, addr.Hex(), m.Status)
	}
	key := marketKey(addr)
	round, ok := a.pool.ExposureRound(key)
	if !ok {
		return fixed.Zero, nil
	}
	released := ReleasedEscrow(m)
	if err := a.pool.SettleExposure(ctx, key, released); err != nil {
		return fixed.Zero, err
	}
	a.logger.InfoContext(ctx, "amm: market exercised",
		slog.String("market", addr.Hex()),
		slog.Int("round", round),
		slog.String("released", released.String()))
	return released, nil
}

// ReleasedEscrow is the part of a final market's escrow its token holders cannot claim.
func ReleasedEscrow(m market.Market) decimal.Decimal {
	owed := fixed.Zero
	for p, sold := range m.Sold {
		owed = owed.Add(fixed.Mul(sold, m.PayoutPerToken(market.Position(p))))
	}
	return fixed.Max(fixed.Zero, m.TotalSold().Sub(owed))
}
