package sports

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/sportsamm/pkg/amm/parlay"
	"github.com/phenomenon0/sportsamm/pkg/amm/pool"
	"github.com/phenomenon0/sportsamm/pkg/amm/pricing"
	"github.com/phenomenon0/sportsamm/pkg/amm/risk"
	"github.com/phenomenon0/sportsamm/pkg/collateral"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/events"
	"github.com/phenomenon0/sportsamm/pkg/market"
	"github.com/phenomenon0/sportsamm/pkg/oracle"
)

var (
	poolAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	safeBox  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	reserve  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	lp       = common.HexToAddress("0x0000000000000000000000000000000000000001")
	trader   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000003")

	gameA       = common.HexToAddress("0x000000000000000000000000000000000000a000")
	gameASpread = common.HexToAddress("0x000000000000000000000000000000000000a001")
	gameB       = common.HexToAddress("0x000000000000000000000000000000000000b000")
	ethUp       = common.HexToAddress("0x000000000000000000000000000000000000e000")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), append([]any{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type rejections []string

func (r *rejections) ObserveRejection(op string, err error) {
	*r = append(*r, op+":"+domain.Class(err))
}

type fixture struct {
	amm      *AMM
	ledger   *collateral.Ledger
	oracle   *oracle.Static
	swap     *collateral.StableSwap
	clock    *clock
	rec      *events.Recorder
	rejected *rejections
}

// newFixture starts a pool with liquidity in round 0 and registers two NBA games
// maturing three and four days out, both quoted at even odds.
func newFixture(t *testing.T, liquidity string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		ledger:   collateral.NewLedger(),
		oracle:   oracle.NewStatic(),
		clock:    &clock{t: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)},
		rec:      &events.Recorder{},
		rejected: &rejections{},
	}
	fan := events.NewFanout(nil, f.rec)

	pcfg := pool.DefaultConfig()
	pcfg.Address = poolAddr
	p, err := pool.New(pcfg, f.ledger, pool.WithClock(f.clock.now), pool.WithEvents(fan))
	require.NoError(t, err)
	f.fund(lp, liquidity)
	_, err = p.Deposit(ctx, lp, d(liquidity))
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	engine, err := pricing.NewEngine(pricing.DefaultConfig())
	require.NoError(t, err)
	rm, err := risk.NewManager(risk.DefaultConfig())
	require.NoError(t, err)
	comb, err := parlay.NewCombiner(parlay.DefaultConfig())
	require.NoError(t, err)

	f.swap = collateral.NewStableSwap(f.ledger, reserve, 0)
	f.swap.AddAsset("USDT", d("1"))
	f.ledger.Mint(reserve, d("100000"))

	cfg := DefaultConfig()
	cfg.SafeBox = safeBox
	cfg.ImpliedVolatility["eth"] = d("0.8")
	a, err := New(cfg, Deps{
		Registry: market.NewRegistry(f.clock.now),
		Pricing:  engine,
		Risk:     rm,
		Pool:     p,
		Parlays:  comb,
		Token:    f.ledger,
		Swapper:  f.swap,
		Oracle:   f.oracle,
		Prices:   f.oracle,
		Events:   fan,
		Observer: f.rejected,
		Clock:    f.clock.now,
	})
	require.NoError(t, err)
	f.amm = a

	f.register(t, market.Spec{Address: gameA, Tags: market.Tags{Sport: market.SportNBA}, Maturity: f.clock.t.Add(72 * time.Hour)}, "0.5", "0.5")
	f.register(t, market.Spec{Address: gameB, Tags: market.Tags{Sport: market.SportNBA}, Maturity: f.clock.t.Add(96 * time.Hour)}, "0.5", "0.5")
	return f
}

func (f *fixture) register(t *testing.T, spec market.Spec, probs ...string) {
	t.Helper()
	_, err := f.amm.RegisterMarket(context.Background(), spec)
	require.NoError(t, err)
	if len(probs) > 0 {
		ps := make([]decimal.Decimal, len(probs))
		for i, p := range probs {
			ps[i] = d(p)
		}
		require.NoError(t, f.oracle.SetOdds(spec.Address, ps...))
	}
}

func (f *fixture) fund(user common.Address, amount string) {
	f.ledger.Mint(user, d(amount))
	f.ledger.Approve(user, poolAddr, d(amount))
}

func (f *fixture) balance(user common.Address) decimal.Decimal {
	b, _ := f.ledger.BalanceOf(context.Background(), user)
	return b
}

func (f *fixture) buy(t *testing.T, user, addr common.Address, p market.Position, amount string) TradeResult {
	t.Helper()
	res, err := f.amm.Buy(context.Background(), TradeRequest{Trader: user, Market: addr, Position: p, Amount: d(amount)})
	require.NoError(t, err)
	return res
}

// escrowed is the collateral the pool account holds beyond round cash.
func (f *fixture) escrowed(round int) decimal.Decimal {
	return f.balance(poolAddr).Sub(f.amm.Pool().Balance(round))
}

func TestNewRequiresDependencies(t *testing.T) {
	cfg := DefaultConfig()
	_, err := New(cfg, Deps{})
	assert.ErrorIs(t, err, domain.ErrValidation, "safe box is required")

	cfg.SafeBox = safeBox
	_, err = New(cfg, Deps{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBuyMovesCollateral(t *testing.T) {
	f := newFixture(t, "10000")
	f.fund(trader, "1000")

	res := f.buy(t, trader, gameA, market.Home, "100")
	assertDec(t, "0.5075", res.Quote.Price)
	assertDec(t, "50.75", res.Quote.Gross)
	assertDec(t, "0.5075", res.Quote.SafeBoxFee)
	assertDec(t, "51.2575", res.Quote.Total)
	assert.Equal(t, 0, res.Round)

	assertDec(t, "948.7425", f.balance(trader))
	assertDec(t, "0.5075", f.balance(safeBox))
	assertDec(t, "9950.75", f.amm.Pool().Balance(0), "round funds amount - gross")
	assertDec(t, "100", f.escrowed(0), "escrow equals total sold")

	m, err := f.amm.Registry().Get(gameA)
	require.NoError(t, err)
	assertDec(t, "100", m.Sold[market.Home])
	assertDec(t, "49.25", f.amm.Risk().SpentOnGame(gameA))

	held := f.amm.Holding(trader, gameA)
	require.Len(t, held, 2)
	assertDec(t, "100", held[market.Home])

	trades := f.rec.OfType(domain.EventTrade)
	require.Len(t, trades, 1)
	ev := trades[0].(domain.TradeEvent)
	assert.Equal(t, domain.SideBuy, ev.Side)
	assert.Equal(t, int(market.SportNBA), ev.SportTag)
}

func TestSellReleasesEscrow(t *testing.T) {
	f := newFixture(t, "10000")
	f.fund(trader, "1000")
	f.buy(t, trader, gameA, market.Home, "100")

	res, err := f.amm.Sell(context.Background(), TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("40")})
	require.NoError(t, err)
	assertDec(t, "0.494", res.Quote.Price)
	assertDec(t, "19.76", res.Quote.Gross)
	assertDec(t, "19.5624", res.Quote.Total)

	assertDec(t, "968.3049", f.balance(trader))
	assertDec(t, "0.7051", f.balance(safeBox))
	assertDec(t, "9970.99", f.amm.Pool().Balance(0))
	assertDec(t, "60", f.escrowed(0))
	assertDec(t, "29.01", f.amm.Risk().SpentOnGame(gameA))
	assertDec(t, "60", f.amm.Holding(trader, gameA)[market.Home])

	_, err = f.amm.Sell(context.Background(), TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("61")})
	assert.ErrorIs(t, err, domain.ErrValidation, "cannot sell more than held")
	_, err = f.amm.Sell(context.Background(), TradeRequest{Trader: bob, Market: gameA, Position: market.Home, Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBuyRespectsSideCap(t *testing.T) {
	f := newFixture(t, "10000")
	f.fund(trader, "2000")
	ctx := context.Background()

	avail, err := f.amm.AvailableToBuy(ctx, gameA, market.Home)
	require.NoError(t, err)
	assertDec(t, "1000", avail)

	_, err = f.amm.Buy(ctx, TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("1000.000000000000000001")})
	assert.ErrorIs(t, err, domain.ErrCapExceeded)

	f.buy(t, trader, gameA, market.Home, "600")
	avail, err = f.amm.AvailableToBuy(ctx, gameA, market.Home)
	require.NoError(t, err)
	assertDec(t, "400", avail)

	_, err = f.amm.Buy(ctx, TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("401")})
	assert.ErrorIs(t, err, domain.ErrCapExceeded)

	m, err := f.amm.Registry().Get(gameA)
	require.NoError(t, err)
	assert.True(t, m.Sold[market.Home].LessThanOrEqual(f.amm.Risk().SideCap(m)))

	sellable, err := f.amm.AvailableToSell(ctx, gameA, market.Home)
	require.NoError(t, err)
	assertDec(t, "600", sellable)
}

func TestRejectedTradesChangeNothing(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		liquidity string
		setup     func(t *testing.T, f *fixture)
		req       TradeRequest
		wantErr   error
		wantClass string
	}{
		{
			name:      "slippage",
			liquidity: "10000",
			setup:     func(_ *testing.T, f *fixture) { f.fund(trader, "1000") },
			req:       TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("100"), Limit: d("51.25")},
			wantErr:   domain.ErrSlippageExceeded,
			wantClass: "buy:slippage_exceeded",
		},
		{
			name:      "allowance too small",
			liquidity: "10000",
			setup: func(_ *testing.T, f *fixture) {
				f.ledger.Mint(trader, d("1000"))
				f.ledger.Approve(trader, poolAddr, d("10"))
			},
			req:       TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("100")},
			wantErr:   domain.ErrValidation,
			wantClass: "buy:validation",
		},
		{
			name:      "round cannot fund the escrow",
			liquidity: "20",
			setup:     func(_ *testing.T, f *fixture) { f.fund(trader, "1000") },
			req:       TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("100")},
			wantErr:   domain.ErrInsufficientLiquidity,
			wantClass: "buy:insufficient_liquidity",
		},
		{
			name:      "paused market",
			liquidity: "10000",
			setup: func(t *testing.T, f *fixture) {
				f.fund(trader, "1000")
				_, err := f.amm.SetPaused(ctx, gameA, true)
				require.NoError(t, err)
			},
			req:       TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("100")},
			wantErr:   domain.ErrState,
			wantClass: "buy:state",
		},
		{
			name:      "invalid position",
			liquidity: "10000",
			setup:     func(_ *testing.T, f *fixture) { f.fund(trader, "1000") },
			req:       TradeRequest{Trader: trader, Market: gameA, Position: market.Draw, Amount: d("100")},
			wantErr:   domain.ErrValidation,
			wantClass: "buy:validation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.liquidity)
			tt.setup(t, f)
			before := f.balance(trader)
			roundBefore := f.amm.Pool().Balance(0)

			_, err := f.amm.Buy(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			assert.True(t, f.balance(trader).Equal(before))
			assert.True(t, f.amm.Pool().Balance(0).Equal(roundBefore))
			assert.True(t, f.balance(safeBox).IsZero())
			assert.Empty(t, f.amm.Pool().Exposures(0))
			m, err := f.amm.Registry().Get(gameA)
			require.NoError(t, err)
			assert.True(t, m.TotalSold().IsZero())
			assert.Empty(t, f.rec.OfType(domain.EventTrade))
			assert.Equal(t, []string{tt.wantClass}, []string(*f.rejected))
		})
	}
}

func TestQuoteAppliesBuyLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("round liquidity", func(t *testing.T) {
		f := newFixture(t, "20")
		f.fund(trader, "1000")
		_, err := f.amm.Quote(ctx, gameA, market.Home, domain.SideBuy, d("100"))
		require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
		_, err = f.amm.Buy(ctx, TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("100")})
		require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

		_, err = f.amm.Quote(ctx, gameA, market.Home, domain.SideBuy, d("30"))
		assert.NoError(t, err)
	})

	t.Run("game spending", func(t *testing.T) {
		f := newFixture(t, "10000")
		f.register(t, market.Spec{Address: gameASpread, Parent: gameA, Tags: market.Tags{Child: market.ChildSpread}}, "0.5", "0.5")
		require.NoError(t, f.amm.ApplyConfigChange(ctx, SetMarketCap{Market: gameA, Cap: d("100")}))

		_, err := f.amm.Quote(ctx, gameASpread, market.Home, domain.SideBuy, d("900"))
		require.ErrorIs(t, err, domain.ErrCapExceeded)
		_, err = f.amm.Quote(ctx, gameASpread, market.Home, domain.SideBuy, d("100"))
		assert.NoError(t, err)
	})
}

func TestTradingStopsBeforeMaturity(t *testing.T) {
	f := newFixture(t, "10000")
	f.fund(trader, "1000")
	f.clock.advance(72*time.Hour - 4*time.Minute)

	_, err := f.amm.Buy(context.Background(), TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("10")})
	assert.ErrorIs(t, err, domain.ErrState)

	avail, err := f.amm.AvailableToBuy(context.Background(), gameA, market.Home)
	require.NoError(t, err)
	assert.True(t, avail.IsZero())
}

func TestUnofferedLineIsNotTradable(t *testing.T) {
	f := newFixture(t, "10000")
	f.fund(trader, "1000")
	spread := common.HexToAddress("0x000000000000000000000000000000000000c000")
	f.register(t, market.Spec{Address: spread, Tags: market.Tags{Sport: market.SportEPL}, Positions: 3, Maturity: f.clock.t.Add(48 * time.Hour)})
	require.NoError(t, f.oracle.SetAmericanOdds(spread, 150, -120, 0))

	_, err := f.amm.Quote(context.Background(), spread, market.Draw, domain.SideBuy, d("10"))
	assert.ErrorIs(t, err, domain.ErrState)
	q, err := f.amm.Quote(context.Background(), spread, market.Home, domain.SideBuy, d("10"))
	require.NoError(t, err)
	assert.True(t, q.BaseProb.LessThan(d("0.5")))
}

func TestExerciseAfterResolution(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.fund(trader, "1000")
	f.fund(bob, "1000")
	f.buy(t, trader, gameA, market.Home, "100")
	f.buy(t, bob, gameA, market.Away, "100")
	assertDec(t, "9901.5", f.amm.Pool().Balance(0))

	_, err := f.amm.Exercise(ctx, trader, gameA)
	assert.ErrorIs(t, err, domain.ErrState, "open markets cannot be exercised")

	f.clock.advance(73 * time.Hour)
	f.oracle.Resolve(gameA, market.Home)
	m, err := f.amm.SyncMarket(ctx, gameA)
	require.NoError(t, err)
	assert.Equal(t, market.StatusResolved, m.Status)

	released, err := f.amm.ExerciseMarket(ctx, gameA)
	require.NoError(t, err)
	assertDec(t, "100", released, "losing side escrow returns to the round")
	assertDec(t, "10001.5", f.amm.Pool().Balance(0))

	paid, err := f.amm.Exercise(ctx, trader, gameA)
	require.NoError(t, err)
	assertDec(t, "100", paid)
	assertDec(t, "1048.7425", f.balance(trader))

	paid, err = f.amm.Exercise(ctx, bob, gameA)
	require.NoError(t, err)
	assert.True(t, paid.IsZero())

	_, err = f.amm.Exercise(ctx, trader, gameA)
	assert.ErrorIs(t, err, domain.ErrState, "holdings are cleared after exercise")
	assert.True(t, f.escrowed(0).IsZero())

	_, err = f.amm.ExerciseMarket(ctx, gameA)
	assert.ErrorIs(t, err, domain.ErrState, "escrow is released once")

	released, err = f.amm.ExerciseMarket(ctx, gameB)
	assert.ErrorIs(t, err, domain.ErrState)
	assert.True(t, released.IsZero())
}

func TestCancellationPaysOddsOnCancellation(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.register(t, market.Spec{Address: gameASpread, Parent: gameA, Tags: market.Tags{Child: market.ChildSpread}}, "0.5", "0.5")
	f.fund(trader, "1000")
	f.fund(bob, "1000")
	f.buy(t, trader, gameA, market.Home, "100")
	f.buy(t, bob, gameA, market.Away, "100")

	f.oracle.Cancel(gameA)
	m, err := f.amm.SyncMarket(ctx, gameA)
	require.NoError(t, err)
	assert.Equal(t, market.StatusCancelled, m.Status)

	child, err := f.amm.Registry().Get(gameASpread)
	require.NoError(t, err)
	assert.Equal(t, market.StatusCancelled, child.Status, "cancelling a game cancels its lines")
	assert.Len(t, f.rec.OfType(domain.EventMarket), 5)

	released, err := f.amm.ExerciseMarket(ctx, gameA)
	require.NoError(t, err)
	assertDec(t, "100", released)

	paid, err := f.amm.Exercise(ctx, trader, gameA)
	require.NoError(t, err)
	assertDec(t, "50", paid)
	paid, err = f.amm.Exercise(ctx, bob, gameA)
	require.NoError(t, err)
	assertDec(t, "50", paid)
	assert.True(t, f.escrowed(0).IsZero())
	assertDec(t, "10001.5", f.amm.Pool().Balance(0))
}

func TestSyncMarketLeavesUndecidedMarkets(t *testing.T) {
	f := newFixture(t, "10000")
	m, err := f.amm.SyncMarket(context.Background(), gameA)
	require.NoError(t, err)
	assert.Equal(t, market.StatusOpen, m.Status)

	f.oracle.Resolve(gameA, market.Home)
	_, err = f.amm.SyncMarket(context.Background(), gameA)
	assert.ErrorIs(t, err, domain.ErrState, "oracle results before maturity need a manual resolution")

	m, err = f.amm.Resolve(context.Background(), gameA, market.Home, true)
	require.NoError(t, err)
	assert.Equal(t, market.StatusResolved, m.Status)
}

func TestRoundClosingExercisesExposures(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.fund(trader, "1000")
	f.fund(bob, "1000")
	f.buy(t, trader, gameA, market.Home, "100")
	f.buy(t, bob, gameA, market.Away, "100")

	f.clock.advance(8 * 24 * time.Hour)
	assert.False(t, f.amm.CanCloseCurrentRound(), "gameA is unresolved")
	assert.ErrorIs(t, f.amm.PrepareRoundClosing(ctx), domain.ErrState)

	f.oracle.Resolve(gameA, market.Home)
	_, err := f.amm.SyncMarket(ctx, gameA)
	require.NoError(t, err)
	assert.True(t, f.amm.CanCloseCurrentRound())

	require.NoError(t, f.amm.PrepareRoundClosing(ctx))
	assert.True(t, f.amm.Pool().IsSettled(marketKey(gameA)))
	n, err := f.amm.ProcessRoundClosingBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, f.amm.CloseRound(ctx))

	pnl, err := f.amm.Pool().ProfitAndLossPerRound(0)
	require.NoError(t, err)
	assertDec(t, "0.00015", pnl)
	cur, _ := f.amm.Pool().BalanceOf(lp)
	assertDec(t, "10001.5", cur)

	// Winners still claim from escrow after the round closed.
	paid, err := f.amm.Exercise(ctx, trader, gameA)
	require.NoError(t, err)
	assertDec(t, "100", paid)
}

func TestParlayLifecycle(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.fund(trader, "1000")
	legs := []Selection{{Market: gameA, Position: market.Home}, {Market: gameB, Position: market.Home}}

	q, err := f.amm.QuoteParlay(ctx, legs, d("10"))
	require.NoError(t, err)
	assertDec(t, "3.92", q.JointOdds)
	assertDec(t, "39.2", q.Payout)
	assertDec(t, "10.1", q.Total)
	assertDec(t, "5102.040816326530612244", q.MaxStake)

	_, err = f.amm.BuyParlay(ctx, ParlayRequest{Owner: trader, Legs: legs, Stake: d("10"), MinPayout: d("40")})
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)

	ticket, err := f.amm.BuyParlay(ctx, ParlayRequest{Owner: trader, Legs: legs, Stake: d("10"), MinPayout: d("39")})
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.ID)
	assert.Equal(t, 0, ticket.Round)
	assert.Equal(t, f.clock.t.Add(96*time.Hour), ticket.Maturity)
	assertDec(t, "989.9", f.balance(trader))
	assertDec(t, "0.1", f.balance(safeBox))
	assertDec(t, "9970.8", f.amm.Pool().Balance(0))
	assertDec(t, "39.2", f.amm.Risk().ParlayRisk(risk.LegKey{Market: gameA, Position: market.Home}))

	_, err = f.amm.ExerciseParlay(ctx, ticket.ID)
	assert.ErrorIs(t, err, domain.ErrState, "legs are undecided")

	f.clock.advance(97 * time.Hour)
	f.oracle.Resolve(gameA, market.Home)
	f.oracle.Resolve(gameB, market.Home)
	for _, addr := range []common.Address{gameA, gameB} {
		_, err := f.amm.SyncMarket(ctx, addr)
		require.NoError(t, err)
	}

	settled, err := f.amm.ExerciseParlay(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, parlay.StatusWon, settled.Status)
	assert.True(t, settled.Claimed)
	assertDec(t, "1029.1", f.balance(trader))
	assertDec(t, "9970.8", f.amm.Pool().Balance(0))
	assert.True(t, f.amm.Risk().ParlayRisk(risk.LegKey{Market: gameA, Position: market.Home}).IsZero())
	assert.Len(t, f.rec.OfType(domain.EventParlay), 2)

	_, err = f.amm.ExerciseParlay(ctx, ticket.ID)
	assert.ErrorIs(t, err, domain.ErrState)
}

func TestLostParlayReturnsEscrow(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.fund(trader, "1000")
	ticket, err := f.amm.BuyParlay(ctx, ParlayRequest{
		Owner: trader,
		Legs:  []Selection{{Market: gameA, Position: market.Home}, {Market: gameB, Position: market.Home}},
		Stake: d("10"),
	})
	require.NoError(t, err)

	_, err = f.amm.Resolve(ctx, gameA, market.Away, true)
	require.NoError(t, err)

	settled, err := f.amm.ExerciseParlay(ctx, ticket.ID)
	require.NoError(t, err, "one losing leg decides the ticket")
	assert.Equal(t, parlay.StatusLost, settled.Status)
	assertDec(t, "10010", f.amm.Pool().Balance(0))
	assertDec(t, "989.9", f.balance(trader))
	assert.Empty(t, f.rec.OfType(domain.EventClaim))
}

func TestSameGameParlayNeedsFactor(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.register(t, market.Spec{Address: gameASpread, Parent: gameA, Tags: market.Tags{Child: market.ChildSpread}}, "0.5", "0.5")
	legs := []Selection{{Market: gameA, Position: market.Home}, {Market: gameASpread, Position: market.Home}}

	_, err := f.amm.QuoteParlay(ctx, legs, d("10"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, f.amm.ApplyConfigChange(ctx, SetSGPFactor{
		Sport:  market.SportNBA,
		ChildA: market.ChildSpread,
		ChildB: market.ChildMain,
		Factor: d("0.9"),
	}))
	q, err := f.amm.QuoteParlay(ctx, legs, d("10"))
	require.NoError(t, err)
	assertDec(t, "0.9", q.SGPFactor)
	assertDec(t, "3.528", q.JointOdds)
}

func TestParlayRejectsPositionalLegs(t *testing.T) {
	f := newFixture(t, "10000")
	f.oracle.SetSpot("ETH", d("2000"))
	f.register(t, market.Spec{Address: ethUp, Kind: market.KindPositional, Asset: "ETH", Line: d("2000"),
		Tags: market.Tags{Sport: market.SportCrypto}, Maturity: f.clock.t.Add(72 * time.Hour)})

	_, err := f.amm.QuoteParlay(context.Background(),
		[]Selection{{Market: gameA, Position: market.Home}, {Market: ethUp, Position: market.Up}}, d("10"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPositionalPricing(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.register(t, market.Spec{Address: ethUp, Kind: market.KindPositional, Asset: "ETH", Line: d("2000"),
		Tags: market.Tags{Sport: market.SportCrypto}, Maturity: f.clock.t.Add(72 * time.Hour)})

	_, err := f.amm.Quote(ctx, ethUp, market.Up, domain.SideBuy, d("10"))
	assert.ErrorIs(t, err, domain.ErrState, "no spot price yet")

	f.oracle.SetSpot("ETH", d("2000"))
	up, err := f.amm.Quote(ctx, ethUp, market.Up, domain.SideBuy, d("10"))
	require.NoError(t, err)
	down, err := f.amm.Quote(ctx, ethUp, market.Down, domain.SideBuy, d("10"))
	require.NoError(t, err)
	assert.True(t, up.BaseProb.Add(down.BaseProb).Equal(d("1")))
	assert.True(t, up.BaseProb.Sub(d("0.5")).Abs().LessThan(d("0.001")), "at the money: %s", up.BaseProb)

	f.oracle.SetSpot("ETH", d("2400"))
	itm, err := f.amm.Quote(ctx, ethUp, market.Up, domain.SideBuy, d("10"))
	require.NoError(t, err)
	assert.True(t, itm.BaseProb.GreaterThan(up.BaseProb))

	btc := common.HexToAddress("0x000000000000000000000000000000000000e001")
	f.oracle.SetSpot("BTC", d("60000"))
	f.register(t, market.Spec{Address: btc, Kind: market.KindPositional, Asset: "BTC", Line: d("60000"),
		Tags: market.Tags{Sport: market.SportCrypto}, Maturity: f.clock.t.Add(72 * time.Hour)})
	_, err = f.amm.Quote(ctx, btc, market.Up, domain.SideBuy, d("10"))
	assert.ErrorIs(t, err, domain.ErrState, "no implied volatility for BTC")

	require.NoError(t, f.amm.ApplyConfigChange(ctx, SetImpliedVolatility{Asset: "btc", Volatility: d("0.6")}))
	_, err = f.amm.Quote(ctx, btc, market.Up, domain.SideBuy, d("10"))
	assert.NoError(t, err)
}

func TestBuyWithCollateral(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.ledger.Approve(trader, poolAddr, d("1000"))
	require.NoError(t, f.swap.Credit("USDT", trader, d("60")))
	req := TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("100")}

	_, err := f.amm.BuyWithCollateral(ctx, req, "USDT", d("50"))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded, "50 USDT does not cover 51.2575")
	assertDec(t, "60", f.swap.BalanceOf("USDT", trader))

	_, err = f.amm.BuyWithCollateral(ctx, req, "DAI", d("60"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	res, err := f.amm.BuyWithCollateral(ctx, req, "USDT", d("60"))
	require.NoError(t, err)
	assertDec(t, "51.2575", res.Quote.Total)
	assert.True(t, f.swap.BalanceOf("USDT", trader).IsZero())
	assertDec(t, "8.7425", f.balance(trader), "swap surplus stays with the trader")
	assertDec(t, "100", f.amm.Holding(trader, gameA)[market.Home])
}

func TestRejectedBuyWithCollateralKeepsAsset(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		liquidity string
		allowance string
		wantErr   error
	}{
		{"round cannot fund the escrow", "20", "1000", domain.ErrInsufficientLiquidity},
		{"allowance too small", "10000", "10", domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.liquidity)
			f.ledger.Approve(trader, poolAddr, d(tt.allowance))
			require.NoError(t, f.swap.Credit("USDT", trader, d("60")))
			req := TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("100")}

			_, err := f.amm.BuyWithCollateral(ctx, req, "USDT", d("60"))
			require.ErrorIs(t, err, tt.wantErr)
			assertDec(t, "60", f.swap.BalanceOf("USDT", trader))
			assert.True(t, f.balance(trader).IsZero())
			assertDec(t, "100000", f.balance(reserve))
			assert.True(t, f.amm.Holding(trader, gameA)[market.Home].IsZero())
		})
	}
}

// failingTransfers rejects every transfer paid to one address.
type failingTransfers struct {
	collateral.Token
	to common.Address
}

func (f failingTransfers) Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	if to == f.to {
		return errors.New("transfer rejected")
	}
	return f.Token.Transfer(ctx, from, to, amount)
}

func TestFailedSellPayoutLeavesRoundUncredited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "10000")
	f.fund(trader, "1000")
	f.buy(t, trader, gameA, market.Home, "100")
	roundBefore := f.amm.Pool().Balance(0)

	f.amm.token = failingTransfers{Token: f.ledger, to: trader}
	_, err := f.amm.Sell(ctx, TradeRequest{Trader: trader, Market: gameA, Position: market.Home, Amount: d("40")})
	require.Error(t, err)

	assert.True(t, f.amm.Pool().Balance(0).Equal(roundBefore))
	assertDec(t, "100", f.amm.Holding(trader, gameA)[market.Home])
	assertDec(t, "49.25", f.amm.Risk().SpentOnGame(gameA))
	assert.Len(t, f.rec.OfType(domain.EventTrade), 1)
}

func TestApplyConfigChange(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		change  Change
		wantErr error
	}{
		{"default cap above max cap", SetDefaultCap{Cap: d("200000")}, domain.ErrValidation},
		{"negative sport cap", SetSportCap{Sport: market.SportNBA, Cap: d("-1")}, domain.ErrValidation},
		{"risk multiplier above 10", SetDefaultRiskMultiplier{Multiplier: d("11")}, domain.ErrValidation},
		{"spreads reach 1", SetSpreads{Min: d("0.5"), Max: d("0.5")}, domain.ErrValidation},
		{"inverted supported prices", SetSupportedPrices{Min: d("0.9"), Max: d("0.1")}, domain.ErrValidation},
		{"sgp factor of 1", SetSGPFactor{Sport: market.SportNBA, ChildA: market.ChildMain, ChildB: market.ChildTotal, Factor: d("1")}, domain.ErrValidation},
		{"volatility above 1000%", SetImpliedVolatility{Asset: "ETH", Volatility: d("10.01")}, domain.ErrValidation},
		{"empty safe box", SetSafeBox{}, domain.ErrValidation},
		{"round length after start", SetRoundLength{Length: time.Hour}, domain.ErrState},
		{"min deposit above max", SetPoolLimits{MinDepositAmount: d("10"), MaxAllowedDeposit: d("5"), MaxAllowedUsers: 10}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "10000")
			err := f.amm.ApplyConfigChange(ctx, tt.change)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.rec.OfType(domain.EventConfigChanged))
			assert.Equal(t, []string{"config:" + domain.Class(tt.wantErr)}, []string(*f.rejected))
		})
	}
}

func TestConfigChangesTakeEffect(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()

	require.NoError(t, f.amm.ApplyConfigChange(ctx, SetMarketCap{Market: gameA, Cap: d("200")}))
	avail, err := f.amm.AvailableToBuy(ctx, gameA, market.Home)
	require.NoError(t, err)
	assertDec(t, "200", avail)

	require.NoError(t, f.amm.ApplyConfigChange(ctx, SetSafeBoxFee{Bps: 0}))
	q, err := f.amm.Quote(ctx, gameA, market.Home, domain.SideBuy, d("100"))
	require.NoError(t, err)
	assert.True(t, q.SafeBoxFee.IsZero())

	newBox := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	require.NoError(t, f.amm.ApplyConfigChange(ctx, SetSafeBox{Address: newBox}))
	assert.Equal(t, newBox, f.amm.Config().SafeBox)

	evs := f.rec.OfType(domain.EventConfigChanged)
	require.Len(t, evs, 3)
	assert.Equal(t, "market_cap", evs[0].(domain.ConfigEvent).Change)
	assert.Equal(t, "safe_box", evs[2].(domain.ConfigEvent).Change)
}
