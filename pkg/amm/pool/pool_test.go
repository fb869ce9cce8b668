package pool

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/sportsamm/pkg/collateral"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/events"
)

var (
	poolAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	defaultLP = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000002")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type resolverMap map[string]bool

func (r resolverMap) IsResolved(key string) bool { return r[key] }

type stakes map[common.Address]decimal.Decimal

func (s stakes) StakedBalance(_ context.Context, user common.Address) (decimal.Decimal, error) {
	return s[user], nil
}

type fixture struct {
	pool   *Pool
	ledger *collateral.Ledger
	clock  *clock
	rec    *events.Recorder
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = poolAddr
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		ledger: collateral.NewLedger(),
		clock:  &clock{t: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)},
		rec:    &events.Recorder{},
	}
	opts = append([]Option{WithClock(f.clock.now), WithEvents(events.NewFanout(nil, f.rec))}, opts...)
	p, err := New(cfg, f.ledger, opts...)
	require.NoError(t, err)
	f.pool = p
	return f
}

func (f *fixture) fund(user common.Address, amount string) {
	f.ledger.Mint(user, d(amount))
	f.ledger.Approve(user, poolAddr, d(amount))
}

func (f *fixture) deposit(t *testing.T, user common.Address, amount string) int {
	t.Helper()
	f.fund(user, amount)
	n, err := f.pool.Deposit(context.Background(), user, d(amount))
	require.NoError(t, err)
	return n
}

// closeRound runs the whole closing sequence in batches of size batch.
func (f *fixture) closeRound(t *testing.T, batch int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.pool.PrepareRoundClosing(ctx))
	for {
		n, err := f.pool.ProcessRoundClosingBatch(ctx, batch)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}
	require.NoError(t, f.pool.CloseRound(ctx))
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	_, err := New(cfg, collateral.NewLedger())
	assert.ErrorIs(t, err, domain.ErrValidation)

	cfg.Address = poolAddr
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	cfg.RoundLength = 0
	_, err = New(cfg, collateral.NewLedger())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDepositRules(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*Config)
		setup   func(f *fixture)
		user    common.Address
		amount  string
		wantErr error
	}{
		{
			name:    "above max allowed deposit",
			mutate:  func(c *Config) { c.MaxAllowedDeposit = d("1000") },
			user:    alice,
			amount:  "1001",
			wantErr: domain.ErrDepositCapExceeded,
		},
		{
			name:    "below minimum",
			user:    alice,
			amount:  "19.99",
			wantErr: domain.ErrValidation,
		},
		{
			name:    "not whitelisted",
			mutate:  func(c *Config) { c.OnlyWhitelistedStakersAllowed = true },
			user:    alice,
			amount:  "100",
			wantErr: domain.ErrNotWhitelisted,
		},
		{
			name: "too many users",
			mutate: func(c *Config) {
				c.MaxAllowedUsers = 1
			},
			setup: func(f *fixture) {
				f.fund(bob, "100")
				_, _ = f.pool.Deposit(ctx, bob, d("100"))
			},
			user:    alice,
			amount:  "100",
			wantErr: domain.ErrCapExceeded,
		},
		{
			name:   "within limits",
			mutate: func(c *Config) { c.MaxAllowedDeposit = d("1000") },
			user:   alice,
			amount: "1000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			if tt.setup != nil {
				tt.setup(f)
			}
			f.fund(tt.user, tt.amount)
			before, _ := f.ledger.BalanceOf(ctx, tt.user)

			round, err := f.pool.Deposit(ctx, tt.user, d(tt.amount))
			after, _ := f.ledger.BalanceOf(ctx, tt.user)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, before.Equal(after), "rejected deposit must not move funds")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, round)
			assert.True(t, after.IsZero())
		})
	}
}

func TestDepositCapExceededIsCapExceeded(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxAllowedDeposit = d("1000") })
	f.fund(alice, "1001")
	_, err := f.pool.Deposit(context.Background(), alice, d("1001"))
	require.ErrorIs(t, err, domain.ErrDepositCapExceeded)
	assert.ErrorIs(t, err, domain.ErrCapExceeded)
	assert.Equal(t, "deposit_cap_exceeded", domain.Class(err))
}

func TestDepositCapDuringClosing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.MaxAllowedDeposit = d("1000") })
	f.deposit(t, alice, "500")
	f.deposit(t, bob, "300")
	require.NoError(t, f.pool.Start(ctx))
	f.clock.advance(7 * 24 * time.Hour)
	require.NoError(t, f.pool.PrepareRoundClosing(ctx))

	n, err := f.pool.ProcessRoundClosingBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// alice is carried into round 1 and bob is still pending: 500 + 300 + 200.
	assert.Equal(t, 1, f.deposit(t, carol, "200"))
	f.fund(carol, "20")
	_, err = f.pool.Deposit(ctx, carol, d("20"))
	require.ErrorIs(t, err, domain.ErrDepositCapExceeded)

	_, err = f.pool.ProcessRoundClosingBatch(ctx, 1)
	require.NoError(t, err)
	_, err = f.pool.Deposit(ctx, carol, d("20"))
	require.ErrorIs(t, err, domain.ErrDepositCapExceeded, "processing moves capital, it does not free any")
	require.NoError(t, f.pool.CloseRound(ctx))

	info, err := f.pool.Round(1)
	require.NoError(t, err)
	assert.True(t, info.TotalAllocated.Equal(d("1000")), info.TotalAllocated.String())
}

func TestDepositAfterFullProcessingCountsPoolOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.MaxAllowedDeposit = d("1000") })
	f.deposit(t, alice, "500")
	require.NoError(t, f.pool.Start(ctx))
	f.clock.advance(7 * 24 * time.Hour)
	require.NoError(t, f.pool.PrepareRoundClosing(ctx))
	_, err := f.pool.ProcessRoundClosingBatch(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, f.deposit(t, bob, "400"))
}

func TestWhitelistAndStakeGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) {
		c.OnlyWhitelistedStakersAllowed = true
		c.StakedMultiplier = d("2")
	}, WithStaking(stakes{alice: d("100")}))
	f.pool.SetWhitelisted(true, alice)

	f.fund(alice, "300")
	_, err := f.pool.Deposit(ctx, alice, d("150"))
	require.NoError(t, err)

	// 150 + 60 exceeds 2 * 100 staked.
	_, err = f.pool.Deposit(ctx, alice, d("60"))
	require.ErrorIs(t, err, domain.ErrInsufficientStake)

	_, err = f.pool.Deposit(ctx, alice, d("50"))
	require.NoError(t, err)

	f.pool.SetWhitelisted(false, alice)
	_, err = f.pool.Deposit(ctx, alice, d("20"))
	assert.ErrorIs(t, err, domain.ErrNotWhitelisted)
}

func TestStartAndDepositRouting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.ErrorIs(t, f.pool.Start(ctx), domain.ErrState, "cannot start empty")
	assert.Equal(t, 0, f.deposit(t, alice, "1000"))
	require.NoError(t, f.pool.Start(ctx))
	require.ErrorIs(t, f.pool.Start(ctx), domain.ErrState)

	assert.Equal(t, 1, f.deposit(t, bob, "500"), "deposits during round 0 go to round 1")

	cur, pending := f.pool.BalanceOf(bob)
	assert.True(t, cur.IsZero())
	assert.True(t, pending.Equal(d("500")))

	info, err := f.pool.Round(0)
	require.NoError(t, err)
	assert.Equal(t, "active", info.Phase)
	assert.True(t, info.StartingBalance.Equal(d("1000")))
	assert.Equal(t, 2, f.pool.UsersCurrentlyInPool())

	_, err = f.pool.Round(99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoundForMaturity(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.pool.RoundForMaturity(f.clock.t)
	require.ErrorIs(t, err, domain.ErrState)

	f.deposit(t, alice, "1000")
	require.NoError(t, f.pool.Start(context.Background()))
	week := 7 * 24 * time.Hour
	start := f.clock.t

	tests := []struct {
		maturity time.Time
		want     int
		wantErr  bool
	}{
		{start.Add(-time.Hour), 0, false},
		{start.Add(time.Hour), 0, false},
		{start.Add(week), 1, false},
		{start.Add(3*week + time.Hour), 3, false},
		{start.Add(4*week + time.Hour), 4, false},
		{start.Add(5*week + time.Hour), 0, true},
	}
	for _, tt := range tests {
		got, err := f.pool.RoundForMaturity(tt.maturity)
		if tt.wantErr {
			assert.ErrorIs(t, err, domain.ErrState)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.maturity)
	}
}

func TestBatchProcessingConservesValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.deposit(t, alice, "50000")
	f.deposit(t, bob, "30000")
	f.deposit(t, carol, "20000")
	require.NoError(t, f.pool.Start(ctx))

	// Trading profit of 10%.
	require.NoError(t, f.pool.Credit(0, d("10000")))
	f.clock.advance(7 * 24 * time.Hour)
	require.True(t, f.pool.CanCloseCurrentRound())
	require.NoError(t, f.pool.PrepareRoundClosing(ctx))
	require.NoError(t, f.pool.PrepareRoundClosing(ctx), "prepare is idempotent")

	n, err := f.pool.ProcessRoundClosingBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.pool.UsersProcessedInRound(0))
	require.ErrorIs(t, f.pool.CloseRound(ctx), domain.ErrState, "one depositor left")

	n, err = f.pool.ProcessRoundClosingBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.pool.ProcessRoundClosingBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "resumed batches never credit twice")

	require.NoError(t, f.pool.CloseRound(ctx))
	assert.Equal(t, 1, f.pool.CurrentRound())

	for user, want := range map[common.Address]string{alice: "55000", bob: "33000", carol: "22000"} {
		cur, _ := f.pool.BalanceOf(user)
		assert.True(t, cur.Equal(d(want)), "%s: got %s want %s", user.Hex(), cur, want)
	}
	assert.True(t, f.pool.Balance(1).Equal(d("110000")))
	assert.True(t, f.pool.Balance(0).IsZero())

	pnl, err := f.pool.ProfitAndLossPerRound(0)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d("0.1")), pnl.String())

	closed := f.rec.OfType(domain.EventRound)
	last := closed[len(closed)-1].(domain.RoundEvent)
	assert.Equal(t, "closed", last.Phase)
	assert.Equal(t, 3, last.UsersProcessed)
}

func TestBatchDustGoesToLastDepositor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.deposit(t, alice, "100")
	f.deposit(t, bob, "100")
	f.deposit(t, carol, "100")
	require.NoError(t, f.pool.Start(ctx))
	require.NoError(t, f.pool.Credit(0, d("1")))
	f.clock.advance(7 * 24 * time.Hour)
	f.closeRound(t, 1)

	a, _ := f.pool.BalanceOf(alice)
	b, _ := f.pool.BalanceOf(bob)
	c, _ := f.pool.BalanceOf(carol)
	assert.True(t, a.Add(b).Add(c).Equal(d("301")))
	assert.True(t, a.Equal(b))
	assert.True(t, c.GreaterThan(a))
}

func TestCloseBlockedUntilExposureResolved(t *testing.T) {
	ctx := context.Background()
	resolved := resolverMap{}
	f := newFixture(t, nil, WithResolver(resolved))
	f.deposit(t, alice, "1000")
	require.NoError(t, f.pool.Start(ctx))

	n, err := f.pool.Commit("market-1", f.clock.t.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, f.pool.Debit(ctx, 0, d("300")))

	f.clock.advance(8 * 24 * time.Hour)
	assert.False(t, f.pool.CanCloseCurrentRound())
	require.ErrorIs(t, f.pool.PrepareRoundClosing(ctx), domain.ErrState)

	resolved["market-1"] = true
	assert.True(t, f.pool.CanCloseCurrentRound())
	require.ErrorIs(t, f.pool.PrepareRoundClosing(ctx), domain.ErrState, "resolved but not exercised")
	assert.Equal(t, []string{"market-1"}, f.pool.UnsettledExposures())

	require.NoError(t, f.pool.SettleExposure(ctx, "market-1", d("500")))
	require.ErrorIs(t, f.pool.SettleExposure(ctx, "market-1", d("1")), domain.ErrState)
	assert.True(t, f.pool.IsSettled("market-1"))

	f.closeRound(t, 10)
	cur, _ := f.pool.BalanceOf(alice)
	assert.True(t, cur.Equal(d("1200")), cur.String())
}

func TestCloseBlockedBeforeRoundEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.deposit(t, alice, "1000")
	require.NoError(t, f.pool.Start(ctx))
	f.clock.advance(24 * time.Hour)
	assert.False(t, f.pool.CanCloseCurrentRound())
	assert.ErrorIs(t, f.pool.PrepareRoundClosing(ctx), domain.ErrState)
	_, err := f.pool.ProcessRoundClosingBatch(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrState)
}

func TestDebitAndDefaultProviderTopUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.DefaultLiquidityProvider = defaultLP })
	f.deposit(t, alice, "1000")
	require.NoError(t, f.pool.Start(ctx))

	require.ErrorIs(t, f.pool.Debit(ctx, 0, d("1500")), domain.ErrInsufficientLiquidity,
		"the active round never takes new capital")
	require.ErrorIs(t, f.pool.CheckLiquidity(ctx, 1, d("400")), domain.ErrInsufficientLiquidity,
		"provider has no funds yet")

	f.ledger.Mint(defaultLP, d("10000"))
	f.ledger.Approve(defaultLP, poolAddr, d("10000"))
	require.NoError(t, f.pool.CheckLiquidity(ctx, 1, d("400")))
	require.NoError(t, f.pool.Debit(ctx, 1, d("400")))

	info, err := f.pool.Round(1)
	require.NoError(t, err)
	assert.True(t, info.TotalAllocated.Equal(d("400")))
	assert.True(t, info.Balance.IsZero())
	lpBal, _ := f.ledger.BalanceOf(ctx, defaultLP)
	assert.True(t, lpBal.Equal(d("9600")))

	require.ErrorIs(t, f.pool.Debit(ctx, 0, d("-1")), domain.ErrValidation)
}

func TestWithdrawals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.deposit(t, alice, "1000")
	f.deposit(t, bob, "1000")
	require.ErrorIs(t, f.pool.WithdrawalRequest(ctx, alice), domain.ErrState, "not started")
	require.NoError(t, f.pool.Start(ctx))

	require.NoError(t, f.pool.WithdrawalRequest(ctx, alice))
	require.ErrorIs(t, f.pool.WithdrawalRequest(ctx, alice), domain.ErrState)
	require.ErrorIs(t, f.pool.PartialWithdrawalRequest(ctx, bob, d("0.95")), domain.ErrValidation)
	require.NoError(t, f.pool.PartialWithdrawalRequest(ctx, bob, d("0.5")))
	require.ErrorIs(t, f.pool.WithdrawalRequest(ctx, carol), domain.ErrState, "nothing deposited")

	f.fund(alice, "100")
	_, err := f.pool.Deposit(ctx, alice, d("100"))
	require.ErrorIs(t, err, domain.ErrState, "no deposits after requesting a withdrawal")

	f.clock.advance(7 * 24 * time.Hour)
	f.closeRound(t, 10)

	aliceCur, _ := f.pool.BalanceOf(alice)
	bobCur, _ := f.pool.BalanceOf(bob)
	assert.True(t, aliceCur.IsZero())
	assert.True(t, bobCur.Equal(d("500")))
	assert.Equal(t, 1, f.pool.UsersCurrentlyInPool())

	aliceWallet, _ := f.ledger.BalanceOf(ctx, alice)
	bobWallet, _ := f.ledger.BalanceOf(ctx, bob)
	assert.True(t, aliceWallet.Equal(d("1100")), aliceWallet.String())
	assert.True(t, bobWallet.Equal(d("500")), bobWallet.String())

	assert.Len(t, f.rec.OfType(domain.EventWithdrawal), 2)
}

func TestWithdrawalBlockedByQueuedDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.deposit(t, alice, "1000")
	require.NoError(t, f.pool.Start(ctx))
	f.deposit(t, alice, "100")
	require.ErrorIs(t, f.pool.WithdrawalRequest(ctx, alice), domain.ErrState)
}

func TestCumulativePnL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.deposit(t, alice, "100000")
	require.NoError(t, f.pool.Start(ctx))

	_, err := f.pool.CumulativePnLBetweenRounds(0, 0)
	require.ErrorIs(t, err, domain.ErrState)

	require.NoError(t, f.pool.Credit(0, d("10000")))
	f.clock.advance(7 * 24 * time.Hour)
	f.closeRound(t, 5)

	require.NoError(t, f.pool.Debit(ctx, 1, d("11000")))
	f.clock.advance(7 * 24 * time.Hour)
	f.closeRound(t, 5)

	pnl1, err := f.pool.ProfitAndLossPerRound(1)
	require.NoError(t, err)
	assert.True(t, pnl1.Equal(d("-0.1")), pnl1.String())

	cum, err := f.pool.CumulativePnLBetweenRounds(0, 1)
	require.NoError(t, err)
	assert.True(t, cum.Equal(d("-0.01")), cum.String())
	assert.True(t, f.pool.Status().CumulativePnL.Equal(d("-0.01")))

	_, err = f.pool.CumulativePnLBetweenRounds(1, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.pool.ProfitAndLossPerRound(2)
	assert.ErrorIs(t, err, domain.ErrState)
}

func TestUnownedCashIsNotNextRoundProfit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.deposit(t, alice, "1000")
	require.NoError(t, f.pool.Start(ctx))
	require.NoError(t, f.pool.WithdrawalRequest(ctx, alice))
	f.clock.advance(7 * 24 * time.Hour)
	f.closeRound(t, 5)

	// Round 1 has no depositors, so whatever it earns has no owner.
	require.NoError(t, f.pool.Credit(1, d("50")))
	assert.Equal(t, 2, f.deposit(t, bob, "100"))
	f.clock.advance(7 * 24 * time.Hour)
	f.closeRound(t, 5)

	info, err := f.pool.Round(2)
	require.NoError(t, err)
	assert.True(t, info.StartingBalance.Equal(d("150")), info.StartingBalance.String())

	f.clock.advance(7 * 24 * time.Hour)
	f.closeRound(t, 5)
	pnl, err := f.pool.ProfitAndLossPerRound(2)
	require.NoError(t, err)
	assert.True(t, pnl.IsZero(), pnl.String())
	bobCur, _ := f.pool.BalanceOf(bob)
	assert.True(t, bobCur.Equal(d("150")), bobCur.String())
}

func TestUpdateFreezesScheduleAfterStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.pool.Update(func(c *Config) { c.RoundLength = 24 * time.Hour }))
	f.deposit(t, alice, "1000")
	require.NoError(t, f.pool.Start(ctx))

	require.ErrorIs(t, f.pool.Update(func(c *Config) { c.RoundLength = time.Hour }), domain.ErrState)
	require.ErrorIs(t, f.pool.Update(func(c *Config) { c.PreallocatedRounds = 1 }), domain.ErrState)
	require.NoError(t, f.pool.Update(func(c *Config) { c.PreallocatedRounds = 6 }))
	_, err := f.pool.Round(6)
	assert.NoError(t, err)
	require.ErrorIs(t, f.pool.Update(func(c *Config) { c.MinDepositAmount = d("-1") }), domain.ErrValidation)
}
