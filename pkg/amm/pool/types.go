package pool

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
)

// Phase is the lifecycle state of a round.
type Phase int

const (
	// PhaseOpen accepts deposits and may collateralize markets maturing in its window.
	PhaseOpen Phase = iota
	// PhaseActive is the current round.
	PhaseActive
	// PhaseClosingPrepared holds the ending-balance snapshot.
	PhaseClosingPrepared
	// PhaseProcessing pays depositors out in batches.
	PhaseProcessing
	// PhaseClosed has been rolled into the next round.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseActive:
		return "active"
	case PhaseClosingPrepared:
		return "prepared"
	case PhaseProcessing:
		return "processing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the pool parameters.
type Config struct {
	// Address is the pool's own collateral account.
	Address common.Address

	RoundLength        time.Duration
	PreallocatedRounds int

	MinDepositAmount  decimal.Decimal
	MaxAllowedDeposit decimal.Decimal
	MaxAllowedUsers   int

	OnlyWhitelistedStakersAllowed bool
	// StakedMultiplier caps a depositor's stake at staked*multiplier. Zero disables the gate.
	StakedMultiplier decimal.Decimal

	// DefaultLiquidityProvider tops up future rounds that cannot cover a trade.
	DefaultLiquidityProvider common.Address
}

// DefaultConfig returns a weekly round schedule.
func DefaultConfig() Config {
	return Config{
		RoundLength:        7 * 24 * time.Hour,
		PreallocatedRounds: 4,
		MinDepositAmount:   decimal.NewFromInt(20),
		MaxAllowedDeposit:  decimal.NewFromInt(1000000),
		MaxAllowedUsers:    100,
	}
}

// Validate checks the static invariants of the configuration.
func (c Config) Validate() error {
	if c.Address == (common.Address{}) {
		return fmt.Errorf("%w: pool address is required", domain.ErrValidation)
	}
	if c.RoundLength <= 0 {
		return fmt.Errorf("%w: round length must be positive", domain.ErrValidation)
	}
	if c.PreallocatedRounds < 1 {
		return fmt.Errorf("%w: at least one round must be preallocated", domain.ErrValidation)
	}
	if c.MinDepositAmount.Sign() < 0 || c.MaxAllowedDeposit.Sign() <= 0 {
		return fmt.Errorf("%w: deposit limits must be positive", domain.ErrValidation)
	}
	if c.MinDepositAmount.GreaterThan(c.MaxAllowedDeposit) {
		return fmt.Errorf("%w: min deposit above max allowed deposit", domain.ErrValidation)
	}
	if c.MaxAllowedUsers < 0 {
		return fmt.Errorf("%w: max allowed users is negative", domain.ErrValidation)
	}
	if c.StakedMultiplier.Sign() < 0 {
		return fmt.Errorf("%w: staked multiplier is negative", domain.ErrValidation)
	}
	return nil
}

// round is the mutable ledger of one round.
type round struct {
	number int
	start  time.Time
	end    time.Time
	phase  Phase

	// balance is the round's live cash.
	balance decimal.Decimal
	// allocations is the capital each depositor put at risk in this round.
	allocations    map[common.Address]decimal.Decimal
	depositors     []common.Address
	totalAllocated decimal.Decimal

	exposures []string

	startingBalance decimal.Decimal
	endingBalance   decimal.Decimal
	distributed     decimal.Decimal
	usersProcessed  int
	pnl             decimal.Decimal
}

func newRound(n int) *round {
	return &round{
		number:         n,
		balance:        fixed.Zero,
		allocations:    make(map[common.Address]decimal.Decimal),
		totalAllocated: fixed.Zero,
		distributed:    fixed.Zero,
	}
}

func (r *round) allocate(user common.Address, amount decimal.Decimal) {
	prev, ok := r.allocations[user]
	if !ok {
		r.depositors = append(r.depositors, user)
		prev = fixed.Zero
	}
	r.allocations[user] = prev.Add(amount)
	r.totalAllocated = r.totalAllocated.Add(amount)
	r.balance = r.balance.Add(amount)
}

func (r *round) allocation(user common.Address) decimal.Decimal {
	if v, ok := r.allocations[user]; ok {
		return v
	}
	return fixed.Zero
}

// RoundInfo is a read-only snapshot of a round.
type RoundInfo struct {
	Number          int             `json:"number"`
	Phase           string          `json:"phase"`
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	Balance         decimal.Decimal `json:"balance"`
	TotalAllocated  decimal.Decimal `json:"total_allocated"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	EndingBalance   decimal.Decimal `json:"ending_balance"`
	Depositors      int             `json:"depositors"`
	UsersProcessed  int             `json:"users_processed"`
	Exposures       int             `json:"exposures"`
	PnL             decimal.Decimal `json:"pnl"`
}

func (r *round) info() RoundInfo {
	return RoundInfo{
		Number:          r.number,
		Phase:           r.phase.String(),
		Start:           r.start,
		End:             r.end,
		Balance:         r.balance,
		TotalAllocated:  r.totalAllocated,
		StartingBalance: r.startingBalance,
		EndingBalance:   r.endingBalance,
		Depositors:      len(r.depositors),
		UsersProcessed:  r.usersProcessed,
		Exposures:       len(r.exposures),
		PnL:             r.pnl,
	}
}

// exposure is a market or parlay collateralized by a round.
type exposure struct {
	round   int
	settled bool
}
