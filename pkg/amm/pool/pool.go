// Package pool implements the round-based liquidity pool that collateralizes AMM trades.
//
// Deposits made while round R is current join round R+1 (round 0 before Start).
// Trades draw from, and pay back into, the round whose window contains the traded
// market's maturity. When a round ends and every market in it has settled, its ending
// balance is split pro rata between its depositors in resumable batches and rolled
// into the next round.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/collateral"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/events"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
)

// Resolver reports whether a committed exposure (market or parlay) has resolved.
type Resolver interface {
	IsResolved(key string) bool
}

// StakingSource reports a depositor's externally staked balance.
type StakingSource interface {
	StakedBalance(ctx context.Context, user common.Address) (decimal.Decimal, error)
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

func WithStaking(s StakingSource) Option { return func(p *Pool) { p.staking = s } }

func WithResolver(r Resolver) Option { return func(p *Pool) { p.resolver = r } }

func WithEvents(f *events.Fanout) Option { return func(p *Pool) { p.events = f } }

// Pool is the round-based liquidity ledger. All methods are safe for concurrent use;
// each runs as a single transition under the pool lock.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	token    collateral.Token
	staking  StakingSource
	resolver Resolver
	events   *events.Fanout
	logger   *slog.Logger
	now      func() time.Time

	started   bool
	startTime time.Time
	current   int
	rounds    map[int]*round
	exposures map[string]*exposure

	whitelist   map[common.Address]bool
	withdrawals map[common.Address]decimal.Decimal // requested share of the current round
	users       map[common.Address]bool
}

// New creates a pool. Round 0 exists immediately and accepts deposits until Start.
func New(cfg Config, token collateral.Token, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if token == nil {
		return nil, fmt.Errorf("%w: pool needs a collateral token", domain.ErrValidation)
	}
	p := &Pool{
		cfg:         cfg,
		token:       token,
		now:         time.Now,
		rounds:      map[int]*round{0: newRound(0)},
		exposures:   make(map[string]*exposure),
		whitelist:   make(map[common.Address]bool),
		withdrawals: make(map[common.Address]decimal.Decimal),
		users:       make(map[common.Address]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// SetResolver installs the resolution source after construction.
func (p *Pool) SetResolver(r Resolver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolver = r
}

// Config returns the active configuration.
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Update applies fn to a copy of the configuration. The round schedule and the pool
// address are frozen once the pool has started.
func (p *Pool) Update(fn func(*Config)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	if p.started && (next.RoundLength != p.cfg.RoundLength || next.Address != p.cfg.Address) {
		return fmt.Errorf("%w: round length and pool address are fixed once started", domain.ErrState)
	}
	if p.started && next.PreallocatedRounds < p.cfg.PreallocatedRounds {
		return fmt.Errorf("%w: preallocated rounds cannot shrink once started", domain.ErrState)
	}
	p.cfg = next
	if p.started {
		p.ensureRounds()
	}
	return nil
}

// SetWhitelisted marks depositors as allowed or not when whitelisting is enforced.
func (p *Pool) SetWhitelisted(allowed bool, users ...common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range users {
		if allowed {
			p.whitelist[u] = true
		} else {
			delete(p.whitelist, u)
		}
	}
}

// Address is the pool's collateral account.
func (p *Pool) Address() common.Address { return p.cfg.Address }

// Deposit pulls amount from user and credits it to the next round (round 0 before Start).
func (p *Pool) Deposit(ctx context.Context, user common.Address, amount decimal.Decimal) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.Sign() <= 0 {
		return 0, fmt.Errorf("%w: deposit must be positive", domain.ErrValidation)
	}
	if amount.LessThan(p.cfg.MinDepositAmount) {
		return 0, fmt.Errorf("%w: deposit %s below minimum %s", domain.ErrValidation, amount, p.cfg.MinDepositAmount)
	}
	if p.cfg.OnlyWhitelistedStakersAllowed && !p.whitelist[user] {
		return 0, fmt.Errorf("%w: %s", domain.ErrNotWhitelisted, user.Hex())
	}

	target := p.depositRound()
	tr := p.rounds[target]
	if _, requested := p.withdrawals[user]; requested && p.started {
		return 0, fmt.Errorf("%w: withdrawal already requested this round", domain.ErrState)
	}

	if !p.users[user] && p.cfg.MaxAllowedUsers > 0 && len(p.users) >= p.cfg.MaxAllowedUsers {
		return 0, fmt.Errorf("%w: pool already has %d depositors", domain.ErrCapExceeded, len(p.users))
	}

	poolSize := tr.totalAllocated.Add(amount)
	if p.started {
		poolSize = poolSize.Add(p.uncarriedAllocation())
	}
	if poolSize.GreaterThan(p.cfg.MaxAllowedDeposit) {
		return 0, fmt.Errorf("%w: pool size %s above %s", domain.ErrDepositCapExceeded, poolSize, p.cfg.MaxAllowedDeposit)
	}

	if p.cfg.StakedMultiplier.Sign() > 0 && p.staking != nil {
		staked, err := p.staking.StakedBalance(ctx, user)
		if err != nil {
			return 0, fmt.Errorf("pool: staked balance of %s: %w", user.Hex(), err)
		}
		stake := p.stakeOf(user).Add(amount)
		if fixed.Mul(staked, p.cfg.StakedMultiplier).LessThan(stake) {
			return 0, fmt.Errorf("%w: stake %s needs %s staked at multiplier %s",
				domain.ErrInsufficientStake, stake, fixed.Div(stake, p.cfg.StakedMultiplier), p.cfg.StakedMultiplier)
		}
	}

	if err := p.token.TransferFrom(ctx, p.cfg.Address, user, p.cfg.Address, amount); err != nil {
		return 0, fmt.Errorf("pool: pull deposit from %s: %w", user.Hex(), err)
	}

	tr.allocate(user, amount)
	p.users[user] = true

	p.logger.InfoContext(ctx, "pool: deposit",
		slog.String("user", user.Hex()),
		slog.String("amount", amount.String()),
		slog.Int("round", target))
	p.events.Emit(ctx, domain.DepositEvent{User: user, Amount: amount, Round: target, Timestamp: p.now()})
	return target, nil
}

func (p *Pool) depositRound() int {
	if !p.started {
		return 0
	}
	return p.current + 1
}

// uncarriedAllocation is the current round's capital that closing has not yet moved
// into the next round. Processed depositors are already counted there.
func (p *Pool) uncarriedAllocation() decimal.Decimal {
	r := p.rounds[p.current]
	total := fixed.Zero
	for _, user := range r.depositors[r.usersProcessed:] {
		total = total.Add(r.allocation(user))
	}
	return total
}

// stakeOf is the user's capital in the current round plus anything queued for the next.
func (p *Pool) stakeOf(user common.Address) decimal.Decimal {
	if !p.started {
		return p.rounds[0].allocation(user)
	}
	return p.rounds[p.current].allocation(user).Add(p.rounds[p.current+1].allocation(user))
}

// Start activates round 0. It can happen only once.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("%w: pool already started", domain.ErrState)
	}
	r0 := p.rounds[0]
	if r0.totalAllocated.Sign() <= 0 {
		return fmt.Errorf("%w: cannot start without deposits", domain.ErrState)
	}
	p.started = true
	p.startTime = p.now()
	p.current = 0
	p.ensureRounds()
	r0.phase = PhaseActive
	r0.startingBalance = r0.totalAllocated

	p.logger.InfoContext(ctx, "pool: started",
		slog.Time("start", p.startTime),
		slog.Duration("round_length", p.cfg.RoundLength),
		slog.String("balance", r0.balance.String()))
	p.events.Emit(ctx, domain.RoundEvent{
		Round:           0,
		Phase:           PhaseActive.String(),
		StartingBalance: r0.startingBalance,
		Depositors:      len(r0.depositors),
		Timestamp:       p.startTime,
	})
	return nil
}

// ensureRounds allocates the current round and PreallocatedRounds rounds ahead of it.
func (p *Pool) ensureRounds() {
	for n := p.current; n <= p.current+p.cfg.PreallocatedRounds; n++ {
		r, ok := p.rounds[n]
		if !ok {
			r = newRound(n)
			p.rounds[n] = r
		}
		r.start = p.startTime.Add(time.Duration(n) * p.cfg.RoundLength)
		r.end = r.start.Add(p.cfg.RoundLength)
	}
}

// Started reports whether Start has been called.
func (p *Pool) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// CurrentRound returns the round accepting trades.
func (p *Pool) CurrentRound() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Round returns a snapshot of round n.
func (p *Pool) Round(n int) (RoundInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rounds[n]
	if !ok {
		return RoundInfo{}, fmt.Errorf("%w: round %d", domain.ErrNotFound, n)
	}
	return r.info(), nil
}

// Balance returns the live cash of round n.
func (p *Pool) Balance(n int) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rounds[n]; ok {
		return r.balance
	}
	return fixed.Zero
}

// BalanceOf returns user's capital in the current round and queued for the next.
func (p *Pool) BalanceOf(user common.Address) (current, pending decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fixed.Zero, p.rounds[0].allocation(user)
	}
	return p.rounds[p.current].allocation(user), p.rounds[p.current+1].allocation(user)
}

// UsersCurrentlyInPool counts depositors with capital in the current or next round.
func (p *Pool) UsersCurrentlyInPool() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}

// Status summarizes the pool for the API.
type Status struct {
	Started       bool            `json:"started"`
	StartTime     time.Time       `json:"start_time"`
	CurrentRound  int             `json:"current_round"`
	RoundLength   string          `json:"round_length"`
	Users         int             `json:"users"`
	Current       RoundInfo       `json:"current"`
	Next          RoundInfo       `json:"next"`
	CumulativePnL decimal.Decimal `json:"cumulative_pnl"`
}

// Status returns a snapshot of the pool.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Started:       p.started,
		StartTime:     p.startTime,
		CurrentRound:  p.current,
		RoundLength:   p.cfg.RoundLength.String(),
		Users:         len(p.users),
		Current:       p.rounds[p.current].info(),
		CumulativePnL: p.cumulativePnL(0, p.current-1),
	}
	if next, ok := p.rounds[p.current+1]; ok {
		s.Next = next.info()
	}
	return s
}
