package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
)

// RoundForMaturity returns the round whose window contains maturity (getMarketRound).
func (p *Pool) RoundForMaturity(maturity time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roundForMaturity(maturity)
}

func (p *Pool) roundForMaturity(maturity time.Time) (int, error) {
	if !p.started {
		return 0, fmt.Errorf("%w: pool has not started", domain.ErrState)
	}
	n := 0
	if maturity.After(p.startTime) {
		n = int(maturity.Sub(p.startTime) / p.cfg.RoundLength)
	}
	if n < p.current {
		n = p.current
	}
	if n > p.current+p.cfg.PreallocatedRounds {
		return 0, fmt.Errorf("%w: maturity %s is beyond round %d, the last allocated round",
			domain.ErrState, maturity.Format(time.RFC3339), p.current+p.cfg.PreallocatedRounds)
	}
	return n, nil
}

// Commit registers key (a market or parlay) as collateralized by the round containing
// maturity and returns that round. Committing an existing key returns its round.
func (p *Pool) Commit(key string, maturity time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.exposures[key]; ok {
		if e.settled {
			return 0, fmt.Errorf("%w: %s already settled", domain.ErrState, key)
		}
		return e.round, nil
	}
	n, err := p.roundForMaturity(maturity)
	if err != nil {
		return 0, err
	}
	r := p.rounds[n]
	if err := r.checkTrading(); err != nil {
		return 0, err
	}
	p.exposures[key] = &exposure{round: n}
	r.exposures = append(r.exposures, key)
	return n, nil
}

// ExposureRound returns the round collateralizing key.
func (p *Pool) ExposureRound(key string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.exposures[key]
	if !ok {
		return 0, false
	}
	return e.round, true
}

func (r *round) checkTrading() error {
	if r.phase != PhaseOpen && r.phase != PhaseActive {
		return fmt.Errorf("%w: round %d is %s", domain.ErrState, r.number, r.phase)
	}
	return nil
}

// CheckLiquidity reports whether round n can fund amount, counting what the default
// liquidity provider could add to a future round.
func (p *Pool) CheckLiquidity(ctx context.Context, n int, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.tradingRound(n)
	if err != nil {
		return err
	}
	if r.balance.GreaterThanOrEqual(amount) {
		return nil
	}
	shortfall := amount.Sub(r.balance)
	if !p.canTopUp(n) {
		return fmt.Errorf("%w: round %d holds %s, needs %s", domain.ErrInsufficientLiquidity, n, r.balance, amount)
	}
	bal, err := p.token.BalanceOf(ctx, p.cfg.DefaultLiquidityProvider)
	if err != nil {
		return fmt.Errorf("pool: default provider balance: %w", err)
	}
	allowance, err := p.token.Allowance(ctx, p.cfg.DefaultLiquidityProvider, p.cfg.Address)
	if err != nil {
		return fmt.Errorf("pool: default provider allowance: %w", err)
	}
	if bal.LessThan(shortfall) || allowance.LessThan(shortfall) {
		return fmt.Errorf("%w: round %d short %s and the default provider cannot cover it",
			domain.ErrInsufficientLiquidity, n, shortfall)
	}
	return nil
}

// EnsureLiquidity tops round n up to amount from the default liquidity provider when
// it cannot cover it. Only rounds that have not started trading accept new capital.
func (p *Pool) EnsureLiquidity(ctx context.Context, n int, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.tradingRound(n)
	if err != nil {
		return err
	}
	return p.ensureLiquidity(ctx, r, amount)
}

func (p *Pool) ensureLiquidity(ctx context.Context, r *round, amount decimal.Decimal) error {
	if r.balance.GreaterThanOrEqual(amount) {
		return nil
	}
	if !p.canTopUp(r.number) {
		return fmt.Errorf("%w: round %d holds %s, needs %s", domain.ErrInsufficientLiquidity, r.number, r.balance, amount)
	}
	shortfall := amount.Sub(r.balance)
	lp := p.cfg.DefaultLiquidityProvider
	if err := p.token.TransferFrom(ctx, p.cfg.Address, lp, p.cfg.Address, shortfall); err != nil {
		return fmt.Errorf("%w: default provider top-up of round %d: %v", domain.ErrInsufficientLiquidity, r.number, err)
	}
	r.allocate(lp, shortfall)
	p.users[lp] = true
	p.logger.InfoContext(ctx, "pool: default provider top-up",
		slog.Int("round", r.number),
		slog.String("amount", shortfall.String()))
	p.events.Emit(ctx, domain.DepositEvent{User: lp, Amount: shortfall, Round: r.number, Timestamp: p.now()})
	return nil
}

// Debit moves amount out of round n into market escrow, topping the round up first
// when the default liquidity provider may fund it.
func (p *Pool) Debit(ctx context.Context, n int, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative debit", domain.ErrValidation)
	}
	r, err := p.tradingRound(n)
	if err != nil {
		return err
	}
	if err := p.ensureLiquidity(ctx, r, amount); err != nil {
		return err
	}
	r.balance = r.balance.Sub(amount)
	return nil
}

// Credit moves amount from market escrow or a trader back into round n.
func (p *Pool) Credit(n int, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative credit", domain.ErrValidation)
	}
	r, err := p.tradingRound(n)
	if err != nil {
		return err
	}
	r.balance = r.balance.Add(amount)
	return nil
}

// SettleExposure marks key as exercised and returns released escrow to its round.
func (p *Pool) SettleExposure(ctx context.Context, key string, released decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.exposures[key]
	if !ok {
		return fmt.Errorf("%w: exposure %s", domain.ErrNotFound, key)
	}
	if e.settled {
		return fmt.Errorf("%w: exposure %s already settled", domain.ErrState, key)
	}
	if released.Sign() < 0 {
		return fmt.Errorf("%w: negative release", domain.ErrValidation)
	}
	r, err := p.tradingRound(e.round)
	if err != nil {
		return err
	}
	r.balance = r.balance.Add(released)
	e.settled = true
	p.logger.DebugContext(ctx, "pool: exposure settled",
		slog.String("key", key),
		slog.Int("round", e.round),
		slog.String("released", released.String()))
	return nil
}

// IsSettled reports whether key has been exercised.
func (p *Pool) IsSettled(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.exposures[key]
	return ok && e.settled
}

// Exposures lists the keys committed to round n.
func (p *Pool) Exposures(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rounds[n]
	if !ok {
		return nil
	}
	return append([]string(nil), r.exposures...)
}

func (p *Pool) tradingRound(n int) (*round, error) {
	if !p.started {
		return nil, fmt.Errorf("%w: pool has not started", domain.ErrState)
	}
	r, ok := p.rounds[n]
	if !ok {
		return nil, fmt.Errorf("%w: round %d", domain.ErrNotFound, n)
	}
	if err := r.checkTrading(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Pool) canTopUp(n int) bool {
	return n > p.current && p.cfg.DefaultLiquidityProvider != (common.Address{})
}
