package sports

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/amm/pricing"
	"github.com/phenomenon0/sportsamm/pkg/amm/risk"
	"github.com/phenomenon0/sportsamm/pkg/collateral"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
	"github.com/phenomenon0/sportsamm/pkg/market"
)

// TradeRequest is a buy or sell of Amount position tokens.
type TradeRequest struct {
	Trader   common.Address
	Market   common.Address
	Position market.Position
	Amount   decimal.Decimal

	// Limit is the maximum total cost of a buy (zero disables it) or the minimum
	// proceeds of a sell.
	Limit decimal.Decimal
}

// TradeResult is an executed trade.
type TradeResult struct {
	ID    string        `json:"id"`
	Quote pricing.Quote `json:"quote"`
	Round int           `json:"round"`
}

// Quote prices a trade without executing it.
func (a *AMM) Quote(ctx context.Context, addr common.Address, p market.Position, side domain.TradeSide, amount decimal.Decimal) (pricing.Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.registry.Get(addr)
	if err != nil {
		return pricing.Quote{}, err
	}
	q, err := a.quote(ctx, m, p, side, amount)
	if err != nil {
		return pricing.Quote{}, a.reject("quote", err)
	}
	return q, nil
}

func (a *AMM) quote(ctx context.Context, m market.Market, p market.Position, side domain.TradeSide, amount decimal.Decimal) (pricing.Quote, error) {
	switch side {
	case domain.SideBuy:
		plan, err := a.planBuy(ctx, m, p, amount)
		if err != nil {
			return pricing.Quote{}, err
		}
		return plan.quote, nil
	case domain.SideSell:
		return a.price(ctx, m, p, side, amount)
	default:
		return pricing.Quote{}, fmt.Errorf("%w: unknown side %q", domain.ErrValidation, side)
	}
}

// price runs the pricing engine alone, without the pool or game limits.
func (a *AMM) price(ctx context.Context, m market.Market, p market.Position, side domain.TradeSide, amount decimal.Decimal) (pricing.Quote, error) {
	if err := a.tradable(m, p); err != nil {
		return pricing.Quote{}, err
	}
	prob, err := a.baseProbability(ctx, m, p)
	if err != nil {
		return pricing.Quote{}, err
	}
	sideCap := a.risk.SideCap(m)
	if side == domain.SideBuy {
		return a.pricing.BuyQuote(prob, m.Sold[p], sideCap, amount)
	}
	return a.pricing.SellQuote(prob, m.Sold[p], sideCap, amount)
}

// buyPlan is a priced buy that passed every check not involving the trader's funds.
type buyPlan struct {
	quote  pricing.Quote
	parent market.Market
	key    string
	round  int
	// atRisk is what the round stakes beyond the buyer's payment.
	atRisk decimal.Decimal
}

func (a *AMM) planBuy(ctx context.Context, m market.Market, p market.Position, amount decimal.Decimal) (buyPlan, error) {
	q, err := a.price(ctx, m, p, domain.SideBuy, amount)
	if err != nil {
		return buyPlan{}, err
	}

	// The round stakes whatever the buyer does not pay toward the escrowed sets.
	atRisk := amount.Sub(q.Gross)
	parent, err := a.game(m)
	if err != nil {
		return buyPlan{}, err
	}
	if !a.risk.IsTotalSpendingLessThanTotalRisk(atRisk, parent) {
		return buyPlan{}, fmt.Errorf("%w: game %s spending %s + %s above limit %s", domain.ErrCapExceeded,
			parent.Address.Hex(), a.risk.SpentOnGame(parent.Address), atRisk, a.risk.GameLimit(parent))
	}

	key := marketKey(m.Address)
	round, err := a.exposureRound(key, m.Maturity)
	if err != nil {
		return buyPlan{}, err
	}
	if err := a.pool.CheckLiquidity(ctx, round, atRisk); err != nil {
		return buyPlan{}, err
	}
	return buyPlan{quote: q, parent: parent, key: key, round: round, atRisk: atRisk}, nil
}

// AvailableToBuy is the largest amount of position p the AMM would sell right now.
func (a *AMM) AvailableToBuy(ctx context.Context, addr common.Address, p market.Position) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.registry.Get(addr)
	if err != nil {
		return fixed.Zero, err
	}
	if err := a.tradable(m, p); err != nil {
		return fixed.Zero, nil
	}
	if _, err := a.baseProbability(ctx, m, p); err != nil {
		return fixed.Zero, nil
	}
	return pricing.AvailableToBuy(m.Sold[p], a.risk.SideCap(m)), nil
}

// AvailableToSell is the largest amount of position p the AMM would take back.
func (a *AMM) AvailableToSell(_ context.Context, addr common.Address, p market.Position) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.registry.Get(addr)
	if err != nil {
		return fixed.Zero, err
	}
	if err := a.tradable(m, p); err != nil {
		return fixed.Zero, nil
	}
	return pricing.AvailableToSell(m.Sold[p]), nil
}

// Buy sells Amount tokens of a position to the trader. The trader pays the quoted
// cost plus the safe-box fee; the market's round funds the rest of the escrow.
func (a *AMM) Buy(ctx context.Context, req TradeRequest) (TradeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.buy(ctx, req)
	if err != nil {
		return TradeResult{}, a.reject("buy", err)
	}
	return res, nil
}

func (a *AMM) buy(ctx context.Context, req TradeRequest) (TradeResult, error) {
	m, err := a.registry.Get(req.Market)
	if err != nil {
		return TradeResult{}, err
	}
	plan, err := a.planBuy(ctx, m, req.Position, req.Amount)
	if err != nil {
		return TradeResult{}, err
	}
	if err := pricing.CheckBuySlippage(plan.quote, req.Limit); err != nil {
		return TradeResult{}, err
	}
	return a.executeBuy(ctx, req, m, plan)
}

// executeBuy moves the funds of a planned buy.
func (a *AMM) executeBuy(ctx context.Context, req TradeRequest, m market.Market, plan buyPlan) (TradeResult, error) {
	q := plan.quote
	if err := collateral.CanPull(ctx, a.token, a.pool.Address(), req.Trader, q.Total); err != nil {
		return TradeResult{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if _, err := a.pool.Commit(plan.key, m.Maturity); err != nil {
		return TradeResult{}, err
	}
	if err := a.pull(ctx, req.Trader, q.Gross, q.SafeBoxFee); err != nil {
		return TradeResult{}, err
	}
	if err := a.pool.Debit(ctx, plan.round, plan.atRisk); err != nil {
		return TradeResult{}, fmt.Errorf("amm: fund escrow from round %d: %w", plan.round, err)
	}
	if _, err := a.registry.ApplyTrade(m.Address, req.Position, req.Amount); err != nil {
		return TradeResult{}, fmt.Errorf("amm: record inventory: %w", err)
	}
	a.risk.RecordSpending(plan.parent.Address, plan.atRisk)
	a.addHolding(req.Trader, risk.LegKey{Market: m.Address, Position: req.Position}, req.Amount)

	res := TradeResult{ID: uuid.New().String(), Quote: q, Round: plan.round}
	a.logger.InfoContext(ctx, "amm: buy",
		slog.String("id", res.ID),
		slog.String("market", m.Address.Hex()),
		slog.String("position", req.Position.Name(m.Kind)),
		slog.String("amount", req.Amount.String()),
		slog.String("price", q.Price.String()),
		slog.String("total", q.Total.String()),
		slog.Int("round", plan.round))
	a.emitTrade(ctx, res, req, m)
	return res, nil
}

// Sell takes Amount tokens of a position back from the trader, paying the quoted
// proceeds out of the released escrow.
func (a *AMM) Sell(ctx context.Context, req TradeRequest) (TradeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.sell(ctx, req)
	if err != nil {
		return TradeResult{}, a.reject("sell", err)
	}
	return res, nil
}

func (a *AMM) sell(ctx context.Context, req TradeRequest) (TradeResult, error) {
	m, err := a.registry.Get(req.Market)
	if err != nil {
		return TradeResult{}, err
	}
	leg := risk.LegKey{Market: m.Address, Position: req.Position}
	if held := a.holding(req.Trader, leg); held.LessThan(req.Amount) {
		return TradeResult{}, fmt.Errorf("%w: trader holds %s, selling %s", domain.ErrValidation, held, req.Amount)
	}
	q, err := a.quote(ctx, m, req.Position, domain.SideSell, req.Amount)
	if err != nil {
		return TradeResult{}, err
	}
	if err := pricing.CheckSellSlippage(q, req.Limit); err != nil {
		return TradeResult{}, err
	}
	round, ok := a.pool.ExposureRound(marketKey(m.Address))
	if !ok {
		return TradeResult{}, fmt.Errorf("%w: market %s has no escrow", domain.ErrState, m.Address.Hex())
	}
	parent, err := a.game(m)
	if err != nil {
		return TradeResult{}, err
	}

	// Burning the returned sets releases Amount from escrow: the trader and the safe
	// box take Gross, the round keeps the rest.
	released := req.Amount.Sub(q.Gross)
	if err := a.token.Transfer(ctx, a.pool.Address(), req.Trader, q.Total); err != nil {
		return TradeResult{}, fmt.Errorf("amm: pay seller: %w", err)
	}
	if q.SafeBoxFee.Sign() > 0 {
		if err := a.token.Transfer(ctx, a.pool.Address(), a.cfg.SafeBox, q.SafeBoxFee); err != nil {
			return TradeResult{}, fmt.Errorf("amm: pay safe box: %w", err)
		}
	}
	if err := a.pool.Credit(round, released); err != nil {
		return TradeResult{}, err
	}
	if _, err := a.registry.ApplyTrade(m.Address, req.Position, req.Amount.Neg()); err != nil {
		return TradeResult{}, fmt.Errorf("amm: record inventory: %w", err)
	}
	a.risk.RecordSpending(parent.Address, released.Neg())
	a.addHolding(req.Trader, leg, req.Amount.Neg())

	res := TradeResult{ID: uuid.New().String(), Quote: q, Round: round}
	a.logger.InfoContext(ctx, "amm: sell",
		slog.String("id", res.ID),
		slog.String("market", m.Address.Hex()),
		slog.String("position", req.Position.Name(m.Kind)),
		slog.String("amount", req.Amount.String()),
		slog.String("price", q.Price.String()),
		slog.String("total", q.Total.String()),
		slog.Int("round", round))
	a.emitTrade(ctx, res, req, m)
	return res, nil
}

// BuyWithCollateral swaps AmountIn of an alternate stablecoin into the base collateral
// and spends it on a buy. Limit, when set, bounds the base-collateral cost.
func (a *AMM) BuyWithCollateral(ctx context.Context, req TradeRequest, asset string, amountIn decimal.Decimal) (TradeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.buyWithCollateral(ctx, req, asset, amountIn)
	if err != nil {
		return TradeResult{}, a.reject("buy_with_collateral", err)
	}
	return res, nil
}

func (a *AMM) buyWithCollateral(ctx context.Context, req TradeRequest, asset string, amountIn decimal.Decimal) (TradeResult, error) {
	if a.swapper == nil {
		return TradeResult{}, fmt.Errorf("%w: no swap route configured", domain.ErrState)
	}
	m, err := a.registry.Get(req.Market)
	if err != nil {
		return TradeResult{}, err
	}
	// Everything that can reject the buy runs before the swap touches the trader's funds.
	plan, err := a.planBuy(ctx, m, req.Position, req.Amount)
	if err != nil {
		return TradeResult{}, err
	}
	q := plan.quote
	if err := pricing.CheckBuySlippage(q, req.Limit); err != nil {
		return TradeResult{}, err
	}
	out, err := a.swapper.QuoteSwap(ctx, asset, amountIn)
	if err != nil {
		return TradeResult{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if out.LessThan(q.Total) {
		return TradeResult{}, fmt.Errorf("%w: %s %s buys %s, trade costs %s",
			domain.ErrSlippageExceeded, amountIn, asset, out, q.Total)
	}
	allowance, err := a.token.Allowance(ctx, req.Trader, a.pool.Address())
	if err != nil {
		return TradeResult{}, fmt.Errorf("amm: allowance of %s: %w", req.Trader.Hex(), err)
	}
	if allowance.LessThan(q.Total) {
		return TradeResult{}, fmt.Errorf("%w: %v", domain.ErrValidation, collateral.ErrInsufficientAllowance)
	}

	if _, err := a.swapper.Swap(ctx, req.Trader, asset, amountIn, q.Total); err != nil {
		return TradeResult{}, fmt.Errorf("%w: swap %s: %v", domain.ErrValidation, asset, err)
	}
	return a.executeBuy(ctx, req, m, plan)
}

// pull collects gross into the pool account and fee into the safe box.
func (a *AMM) pull(ctx context.Context, from common.Address, gross, fee decimal.Decimal) error {
	if err := a.token.TransferFrom(ctx, a.pool.Address(), from, a.pool.Address(), gross); err != nil {
		return fmt.Errorf("amm: collect payment: %w", err)
	}
	if fee.Sign() > 0 {
		if err := a.token.TransferFrom(ctx, a.pool.Address(), from, a.cfg.SafeBox, fee); err != nil {
			return fmt.Errorf("amm: collect safe box fee: %w", err)
		}
	}
	return nil
}

func (a *AMM) emitTrade(ctx context.Context, res TradeResult, req TradeRequest, m market.Market) {
	a.events.Emit(ctx, domain.TradeEvent{
		ID:         res.ID,
		Market:     m.Address,
		Trader:     req.Trader,
		Side:       res.Quote.Side,
		Position:   int(req.Position),
		Amount:     req.Amount,
		Price:      res.Quote.Price,
		Total:      res.Quote.Total,
		SafeBoxFee: res.Quote.SafeBoxFee,
		Round:      res.Round,
		SportTag:   int(m.Tags.Sport),
		Timestamp:  a.now(),
	})
}
