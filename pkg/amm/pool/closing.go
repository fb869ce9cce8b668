package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
)

// CanCloseCurrentRound reports whether the current round's window has ended and every
// market or parlay it collateralizes has resolved.
func (p *Pool) CanCloseCurrentRound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canClose()
}

func (p *Pool) canClose() bool {
	if !p.started {
		return false
	}
	r := p.rounds[p.current]
	if r.phase == PhaseClosingPrepared || r.phase == PhaseProcessing {
		return true
	}
	if r.phase != PhaseActive || p.now().Before(r.end) {
		return false
	}
	for _, key := range r.exposures {
		if p.exposures[key].settled {
			continue
		}
		if p.resolver == nil || !p.resolver.IsResolved(key) {
			return false
		}
	}
	return true
}

// UnsettledExposures lists the current round's keys that have not been exercised yet.
func (p *Pool) UnsettledExposures() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	var out []string
	for _, key := range p.rounds[p.current].exposures {
		if !p.exposures[key].settled {
			out = append(out, key)
		}
	}
	return out
}

// PrepareRoundClosing snapshots the current round's ending balance. Calling it again
// on a prepared round is a no-op.
func (p *Pool) PrepareRoundClosing(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fmt.Errorf("%w: pool has not started", domain.ErrState)
	}
	r := p.rounds[p.current]
	switch r.phase {
	case PhaseClosingPrepared, PhaseProcessing:
		return nil
	case PhaseActive:
	default:
		return fmt.Errorf("%w: round %d is %s", domain.ErrState, r.number, r.phase)
	}
	if !p.canClose() {
		return fmt.Errorf("%w: round %d cannot close yet", domain.ErrState, r.number)
	}
	for _, key := range r.exposures {
		if !p.exposures[key].settled {
			return fmt.Errorf("%w: %s is resolved but not exercised", domain.ErrState, key)
		}
	}
	r.endingBalance = r.balance
	r.phase = PhaseClosingPrepared

	p.logger.InfoContext(ctx, "pool: round closing prepared",
		slog.Int("round", r.number),
		slog.String("starting_balance", r.startingBalance.String()),
		slog.String("ending_balance", r.endingBalance.String()),
		slog.Int("depositors", len(r.depositors)))
	p.events.Emit(ctx, domain.RoundEvent{
		Round:           r.number,
		Phase:           PhaseClosingPrepared.String(),
		StartingBalance: r.startingBalance,
		EndingBalance:   r.endingBalance,
		Depositors:      len(r.depositors),
		Timestamp:       p.now(),
	})
	return nil
}

// ProcessRoundClosingBatch pays out up to n depositors of the closing round and returns
// how many it processed. Each depositor receives allocation/totalAllocated of the
// ending balance; the last one also receives the truncation remainder. Requested
// withdrawals are transferred out and the rest is carried into the next round.
// Batches resume where the previous one stopped.
func (p *Pool) ProcessRoundClosingBatch(ctx context.Context, n int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 {
		return 0, fmt.Errorf("%w: batch size must be positive", domain.ErrValidation)
	}
	if !p.started {
		return 0, fmt.Errorf("%w: pool has not started", domain.ErrState)
	}
	r := p.rounds[p.current]
	if r.phase != PhaseClosingPrepared && r.phase != PhaseProcessing {
		return 0, fmt.Errorf("%w: round %d is %s, closing not prepared", domain.ErrState, r.number, r.phase)
	}
	r.phase = PhaseProcessing
	next := p.rounds[p.current+1]

	processed := 0
	for processed < n && r.usersProcessed < len(r.depositors) {
		user := r.depositors[r.usersProcessed]
		var payout decimal.Decimal
		if r.usersProcessed == len(r.depositors)-1 {
			payout = r.endingBalance.Sub(r.distributed)
		} else {
			payout = fixed.Div(r.endingBalance.Mul(r.allocation(user)), r.totalAllocated)
		}

		withdrawn := fixed.Zero
		if share, ok := p.withdrawals[user]; ok {
			withdrawn = fixed.Mul(payout, share)
			if withdrawn.Sign() > 0 {
				if err := p.token.Transfer(ctx, p.cfg.Address, user, withdrawn); err != nil {
					return processed, fmt.Errorf("pool: pay withdrawal of %s: %w", user.Hex(), err)
				}
			}
		}
		carry := payout.Sub(withdrawn)
		if carry.Sign() > 0 {
			next.allocate(user, carry)
		}
		if next.allocation(user).Sign() <= 0 {
			delete(p.users, user)
		}

		r.distributed = r.distributed.Add(payout)
		r.balance = r.balance.Sub(payout)
		r.usersProcessed++
		processed++

		if withdrawn.Sign() > 0 {
			p.logger.InfoContext(ctx, "pool: withdrawal paid",
				slog.String("user", user.Hex()),
				slog.String("amount", withdrawn.String()),
				slog.Int("round", r.number))
			p.events.Emit(ctx, domain.DepositEvent{User: user, Amount: withdrawn, Round: r.number, Withdraw: true, Timestamp: p.now()})
		}
	}

	p.logger.InfoContext(ctx, "pool: closing batch processed",
		slog.Int("round", r.number),
		slog.Int("processed", processed),
		slog.Int("users_processed", r.usersProcessed),
		slog.Int("depositors", len(r.depositors)))
	return processed, nil
}

// UsersProcessedInRound returns how many depositors of round n have been paid out.
func (p *Pool) UsersProcessedInRound(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rounds[n]; ok {
		return r.usersProcessed
	}
	return 0
}

// CloseRound finalizes the current round once every depositor is processed and
// activates the next one.
func (p *Pool) CloseRound(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fmt.Errorf("%w: pool has not started", domain.ErrState)
	}
	r := p.rounds[p.current]
	if r.phase != PhaseClosingPrepared && r.phase != PhaseProcessing {
		return fmt.Errorf("%w: round %d is %s, closing not prepared", domain.ErrState, r.number, r.phase)
	}
	if r.usersProcessed < len(r.depositors) {
		return fmt.Errorf("%w: round %d has processed %d of %d depositors",
			domain.ErrState, r.number, r.usersProcessed, len(r.depositors))
	}
	next := p.rounds[p.current+1]
	carried := fixed.Zero
	if r.balance.Sign() > 0 {
		// Nobody owns the remainder; it moves with the default provider or stays as round cash.
		if p.cfg.DefaultLiquidityProvider != (common.Address{}) {
			next.allocate(p.cfg.DefaultLiquidityProvider, r.balance)
			p.users[p.cfg.DefaultLiquidityProvider] = true
		} else {
			next.balance = next.balance.Add(r.balance)
			carried = r.balance
		}
		r.balance = fixed.Zero
	}

	if r.startingBalance.Sign() > 0 {
		r.pnl = fixed.Div(r.endingBalance.Sub(r.startingBalance), r.startingBalance)
	}
	r.phase = PhaseClosed

	p.current++
	p.ensureRounds()
	next.phase = PhaseActive
	// Unowned cash is part of the basis, not a trading result of the next round.
	next.startingBalance = next.totalAllocated.Add(carried)
	clear(p.withdrawals)

	cumulative := p.cumulativePnL(0, r.number)
	p.logger.InfoContext(ctx, "pool: round closed",
		slog.Int("round", r.number),
		slog.String("pnl", r.pnl.String()),
		slog.String("cumulative_pnl", cumulative.String()),
		slog.Int("next_round", next.number),
		slog.String("next_starting_balance", next.startingBalance.String()))
	p.events.Emit(ctx, domain.RoundEvent{
		Round:           r.number,
		Phase:           PhaseClosed.String(),
		StartingBalance: r.startingBalance,
		EndingBalance:   r.endingBalance,
		PnL:             r.pnl,
		UsersProcessed:  r.usersProcessed,
		Depositors:      len(r.depositors),
		CumulativePnL:   cumulative,
		Timestamp:       p.now(),
	})
	return nil
}

// ProfitAndLossPerRound returns the relative result of closed round n.
func (p *Pool) ProfitAndLossPerRound(n int) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rounds[n]
	if !ok {
		return fixed.Zero, fmt.Errorf("%w: round %d", domain.ErrNotFound, n)
	}
	if r.phase != PhaseClosed {
		return fixed.Zero, fmt.Errorf("%w: round %d is %s", domain.ErrState, n, r.phase)
	}
	return r.pnl, nil
}

// CumulativePnLBetweenRounds compounds the results of closed rounds a through b.
func (p *Pool) CumulativePnLBetweenRounds(a, b int) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a < 0 || a > b {
		return fixed.Zero, fmt.Errorf("%w: round range [%d, %d]", domain.ErrValidation, a, b)
	}
	if b >= p.current || !p.started {
		return fixed.Zero, fmt.Errorf("%w: round %d has not closed", domain.ErrState, b)
	}
	return p.cumulativePnL(a, b), nil
}

// cumulativePnL is Π(1+pnl)-1 over closed rounds in [a, b]; zero for an empty range.
func (p *Pool) cumulativePnL(a, b int) decimal.Decimal {
	acc := fixed.One
	for n := max(a, 0); n <= b; n++ {
		r, ok := p.rounds[n]
		if !ok || r.phase != PhaseClosed {
			continue
		}
		acc = fixed.Mul(acc, fixed.One.Add(r.pnl))
	}
	return acc.Sub(fixed.One)
}
