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

// MaxPartialWithdrawal is the largest share a partial withdrawal may take.
var MaxPartialWithdrawal = decimal.RequireFromString("0.9")

// WithdrawalRequest asks for the user's whole balance to be paid out when the current
// round closes.
func (p *Pool) WithdrawalRequest(ctx context.Context, user common.Address) error {
	return p.requestWithdrawal(ctx, user, fixed.One)
}

// PartialWithdrawalRequest asks for share of the user's balance, in (0, 0.9], to be
// paid out when the current round closes. The rest stays in the pool.
func (p *Pool) PartialWithdrawalRequest(ctx context.Context, user common.Address, share decimal.Decimal) error {
	if share.Sign() <= 0 || share.GreaterThan(MaxPartialWithdrawal) {
		return fmt.Errorf("%w: withdrawal share %s outside (0, %s]", domain.ErrValidation, share, MaxPartialWithdrawal)
	}
	return p.requestWithdrawal(ctx, user, share)
}

func (p *Pool) requestWithdrawal(ctx context.Context, user common.Address, share decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fmt.Errorf("%w: pool has not started", domain.ErrState)
	}
	cur := p.rounds[p.current]
	if cur.phase != PhaseActive {
		return fmt.Errorf("%w: round %d is %s", domain.ErrState, cur.number, cur.phase)
	}
	if cur.allocation(user).Sign() <= 0 {
		return fmt.Errorf("%w: %s has nothing in round %d", domain.ErrState, user.Hex(), cur.number)
	}
	if p.rounds[p.current+1].allocation(user).Sign() > 0 {
		return fmt.Errorf("%w: %s has a deposit queued for the next round", domain.ErrState, user.Hex())
	}
	if _, ok := p.withdrawals[user]; ok {
		return fmt.Errorf("%w: withdrawal already requested", domain.ErrState)
	}
	p.withdrawals[user] = share

	p.logger.InfoContext(ctx, "pool: withdrawal requested",
		slog.String("user", user.Hex()),
		slog.String("share", share.String()),
		slog.Int("round", cur.number))
	return nil
}

// WithdrawalRequested returns the share the user asked to withdraw this round.
func (p *Pool) WithdrawalRequested(user common.Address) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	share, ok := p.withdrawals[user]
	return share, ok
}
