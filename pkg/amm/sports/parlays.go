package sports

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/amm/parlay"
	"github.com/phenomenon0/sportsamm/pkg/collateral"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/market"
)

// Selection is one leg of a requested parlay.
type Selection struct {
	Market   common.Address  `json:"market"`
	Position market.Position `json:"position"`
}

// ParlayRequest buys Stake worth of a ticket over Legs.
type ParlayRequest struct {
	Owner common.Address
	Legs  []Selection
	Stake decimal.Decimal
	// MinPayout rejects the ticket when the quoted payout falls below it.
	MinPayout decimal.Decimal
}

// ParlayQuote is a priced ticket plus the largest stake the AMM would accept on it.
type ParlayQuote struct {
	parlay.Quote
	MaxStake decimal.Decimal `json:"max_stake"`
}

// QuoteParlay prices a ticket without buying it.
func (a *AMM) QuoteParlay(ctx context.Context, legs []Selection, stake decimal.Decimal) (ParlayQuote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, _, err := a.quoteParlay(ctx, legs, stake)
	if err != nil {
		return ParlayQuote{}, a.reject("quote_parlay", err)
	}
	return q, nil
}

func (a *AMM) quoteParlay(ctx context.Context, sel []Selection, stake decimal.Decimal) (ParlayQuote, []market.Market, error) {
	legs := make([]parlay.Leg, 0, len(sel))
	markets := make([]market.Market, 0, len(sel))
	for _, s := range sel {
		m, err := a.registry.Get(s.Market)
		if err != nil {
			return ParlayQuote{}, nil, err
		}
		if m.Kind != market.KindSports {
			return ParlayQuote{}, nil, fmt.Errorf("%w: %s is not a sports market", domain.ErrValidation, m.Address.Hex())
		}
		if err := a.tradable(m, s.Position); err != nil {
			return ParlayQuote{}, nil, err
		}
		prob, err := a.baseProbability(ctx, m, s.Position)
		if err != nil {
			return ParlayQuote{}, nil, err
		}
		legs = append(legs, parlay.NewLeg(m, s.Position, prob))
		markets = append(markets, m)
	}
	comb, err := a.parlays.Combine(legs)
	if err != nil {
		return ParlayQuote{}, nil, err
	}
	q, err := a.parlays.Quote(comb, stake)
	if err != nil {
		return ParlayQuote{}, nil, err
	}
	capacity := a.risk.ParlayCapacity(parlay.Parlay{Quote: q}.LegKeys())
	return ParlayQuote{Quote: q, MaxStake: parlay.MaxStake(comb, capacity)}, markets, nil
}

// BuyParlay buys a ticket. The owner pays the stake plus the safe-box fee and the round
// in which the last leg matures escrows the rest of the payout.
func (a *AMM) BuyParlay(ctx context.Context, req ParlayRequest) (parlay.Parlay, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.buyParlay(ctx, req)
	if err != nil {
		return parlay.Parlay{}, a.reject("buy_parlay", err)
	}
	return p, nil
}

func (a *AMM) buyParlay(ctx context.Context, req ParlayRequest) (parlay.Parlay, error) {
	q, markets, err := a.quoteParlay(ctx, req.Legs, req.Stake)
	if err != nil {
		return parlay.Parlay{}, err
	}
	if q.Payout.LessThan(req.MinPayout) {
		return parlay.Parlay{}, fmt.Errorf("%w: payout %s below limit %s", domain.ErrSlippageExceeded, q.Payout, req.MinPayout)
	}
	ticket := parlay.Parlay{Owner: req.Owner, Quote: q.Quote, CreatedAt: a.now()}
	legs := ticket.LegKeys()
	if err := a.risk.CheckParlay(q.Payout, legs); err != nil {
		return parlay.Parlay{}, err
	}
	for _, m := range markets {
		if m.Maturity.After(ticket.Maturity) {
			ticket.Maturity = m.Maturity
		}
	}
	round, err := a.pool.RoundForMaturity(ticket.Maturity)
	if err != nil {
		return parlay.Parlay{}, err
	}
	atRisk := q.Payout.Sub(q.Stake)
	if err := a.pool.CheckLiquidity(ctx, round, atRisk); err != nil {
		return parlay.Parlay{}, err
	}
	if err := collateral.CanPull(ctx, a.token, a.pool.Address(), req.Owner, q.Total); err != nil {
		return parlay.Parlay{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	ticket.Round = round
	ticket = a.book.Add(ticket)
	if _, err := a.pool.Commit(ticket.Key(), ticket.Maturity); err != nil {
		return parlay.Parlay{}, err
	}
	if err := a.pull(ctx, req.Owner, q.Stake, q.SafeBoxFee); err != nil {
		return parlay.Parlay{}, err
	}
	if err := a.pool.Debit(ctx, round, atRisk); err != nil {
		return parlay.Parlay{}, fmt.Errorf("amm: fund parlay escrow from round %d: %w", round, err)
	}
	a.risk.RecordParlay(q.Payout, legs)

	a.logger.InfoContext(ctx, "amm: parlay bought",
		slog.String("id", ticket.ID),
		slog.String("owner", req.Owner.Hex()),
		slog.Int("legs", len(legs)),
		slog.String("stake", q.Stake.String()),
		slog.String("joint_odds", q.JointOdds.String()),
		slog.String("payout", q.Payout.String()),
		slog.Int("round", round))
	a.emitParlay(ctx, ticket)
	return ticket, nil
}

// ExerciseParlay settles a ticket whose legs are decided and pays the owner what it won.
func (a *AMM) ExerciseParlay(ctx context.Context, id string) (parlay.Parlay, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.exerciseParlay(ctx, id)
	if err != nil {
		return parlay.Parlay{}, a.reject("exercise_parlay", err)
	}
	return p, nil
}

func (a *AMM) exerciseParlay(ctx context.Context, id string) (parlay.Parlay, error) {
	p, err := a.book.Get(id)
	if err != nil {
		return parlay.Parlay{}, err
	}
	if p.Status != parlay.StatusOpen {
		return parlay.Parlay{}, fmt.Errorf("%w: parlay %s already %s", domain.ErrState, id, p.Status)
	}
	s, err := parlay.Settle(p, a.registry.Get)
	if err != nil {
		return parlay.Parlay{}, err
	}
	if s.Status == parlay.StatusOpen {
		return parlay.Parlay{}, fmt.Errorf("%w: parlay %s has undecided legs", domain.ErrState, id)
	}

	if err := a.pool.SettleExposure(ctx, p.Key(), p.Quote.Payout.Sub(s.Payout)); err != nil {
		return parlay.Parlay{}, err
	}
	p, err = a.book.MarkSettled(id, s, a.now())
	if err != nil {
		return parlay.Parlay{}, err
	}
	a.risk.ReleaseParlay(p.Quote.Payout, p.LegKeys())

	if s.Payout.Sign() > 0 {
		if err := a.token.Transfer(ctx, a.pool.Address(), p.Owner, s.Payout); err != nil {
			return parlay.Parlay{}, fmt.Errorf("amm: pay parlay %s: %w", id, err)
		}
		if p, err = a.book.MarkClaimed(id); err != nil {
			return parlay.Parlay{}, err
		}
		a.events.Emit(ctx, domain.ClaimEvent{User: p.Owner, ParlayID: id, Amount: s.Payout, Timestamp: a.now()})
	}

	a.logger.InfoContext(ctx, "amm: parlay settled",
		slog.String("id", id),
		slog.String("status", p.Status.String()),
		slog.String("payout", s.Payout.String()),
		slog.Int("cancelled_legs", s.Cancelled))
	a.emitParlay(ctx, p)
	return p, nil
}

func (a *AMM) emitParlay(ctx context.Context, p parlay.Parlay) {
	payout := p.Quote.Payout
	if p.Status != parlay.StatusOpen {
		payout = p.Claimable
	}
	a.events.Emit(ctx, domain.ParlayEvent{
		ID:         p.ID,
		Owner:      p.Owner,
		Markets:    p.Markets(),
		Positions:  p.Positions(),
		Stake:      p.Quote.Stake,
		JointOdds:  p.Quote.JointOdds,
		Payout:     payout,
		SafeBoxFee: p.Quote.SafeBoxFee,
		Status:     p.Status.String(),
		Round:      p.Round,
		Timestamp:  a.now(),
	})
}
