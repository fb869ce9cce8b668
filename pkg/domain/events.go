package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// EventType identifies a domain event on the bus, the websocket stream and the journal.
type EventType string

const (
	EventTrade         EventType = "trade"
	EventParlay        EventType = "parlay"
	EventDeposit       EventType = "deposit"
	EventWithdrawal    EventType = "withdrawal"
	EventRound         EventType = "round"
	EventMarket        EventType = "market"
	EventClaim         EventType = "claim"
	EventConfigChanged EventType = "config"
)

// Event is anything the AMM emits after a committed state transition.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
}

// TradeSide is the direction of a single-market trade from the user's point of view.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeEvent records one accepted buy or sell.
type TradeEvent struct {
	ID         string          `json:"id"`
	Market     common.Address  `json:"market"`
	Trader     common.Address  `json:"trader"`
	Side       TradeSide       `json:"side"`
	Position   int             `json:"position"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	Total      decimal.Decimal `json:"total"`
	SafeBoxFee decimal.Decimal `json:"safe_box_fee"`
	Round      int             `json:"round"`
	SportTag   int             `json:"sport_tag"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (e TradeEvent) EventType() EventType  { return EventTrade }
func (e TradeEvent) OccurredAt() time.Time { return e.Timestamp }

// ParlayEvent records a parlay purchase or settlement.
type ParlayEvent struct {
	ID         string           `json:"id"`
	Owner      common.Address   `json:"owner"`
	Markets    []common.Address `json:"markets"`
	Positions  []int            `json:"positions"`
	Stake      decimal.Decimal  `json:"stake"`
	JointOdds  decimal.Decimal  `json:"joint_odds"`
	Payout     decimal.Decimal  `json:"payout"`
	SafeBoxFee decimal.Decimal  `json:"safe_box_fee"`
	Status     string           `json:"status"`
	Round      int              `json:"round"`
	Timestamp  time.Time        `json:"timestamp"`
}

func (e ParlayEvent) EventType() EventType  { return EventParlay }
func (e ParlayEvent) OccurredAt() time.Time { return e.Timestamp }

// DepositEvent records liquidity entering or leaving the pool.
type DepositEvent struct {
	User      common.Address  `json:"user"`
	Amount    decimal.Decimal `json:"amount"`
	Round     int             `json:"round"`
	Withdraw  bool            `json:"withdraw"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e DepositEvent) EventType() EventType {
	if e.Withdraw {
		return EventWithdrawal
	}
	return EventDeposit
}
func (e DepositEvent) OccurredAt() time.Time { return e.Timestamp }

// RoundEvent records a round phase transition.
type RoundEvent struct {
	Round           int             `json:"round"`
	Phase           string          `json:"phase"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	EndingBalance   decimal.Decimal `json:"ending_balance"`
	PnL             decimal.Decimal `json:"pnl"`
	UsersProcessed  int             `json:"users_processed"`
	Depositors      int             `json:"depositors"`
	CumulativePnL   decimal.Decimal `json:"cumulative_pnl"`
	Timestamp       time.Time       `json:"timestamp"`
}

func (e RoundEvent) EventType() EventType  { return EventRound }
func (e RoundEvent) OccurredAt() time.Time { return e.Timestamp }

// MarketEvent records a market status change (resolution, cancellation, pause).
type MarketEvent struct {
	Market    common.Address `json:"market"`
	Status    string         `json:"status"`
	Outcome   int            `json:"outcome"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e MarketEvent) EventType() EventType  { return EventMarket }
func (e MarketEvent) OccurredAt() time.Time { return e.Timestamp }

// ClaimEvent records a payout of settled winnings or refunds to a user.
type ClaimEvent struct {
	User      common.Address  `json:"user"`
	Market    common.Address  `json:"market"`
	ParlayID  string          `json:"parlay_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e ClaimEvent) EventType() EventType  { return EventClaim }
func (e ClaimEvent) OccurredAt() time.Time { return e.Timestamp }

// ConfigEvent records an applied admin change.
type ConfigEvent struct {
	Change    string    `json:"change"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ConfigEvent) EventType() EventType  { return EventConfigChanged }
func (e ConfigEvent) OccurredAt() time.Time { return e.Timestamp }
