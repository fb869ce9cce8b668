package parlay

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/amm/risk"
	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
	"github.com/phenomenon0/sportsamm/pkg/market"
)

// Status is the lifecycle state of a ticket.
type Status int

const (
	StatusOpen Status = iota
	StatusWon
	StatusLost
	// StatusRefunded means every leg was cancelled and the stake is returned.
	StatusRefunded
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusWon:
		return "won"
	case StatusLost:
		return "lost"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Parlay is a bought ticket.
type Parlay struct {
	ID     string         `json:"id"`
	Owner  common.Address `json:"owner"`
	Quote  Quote          `json:"quote"`
	Round  int            `json:"round"`
	Status Status         `json:"status"`

	// Maturity is the latest maturity among the legs.
	Maturity  time.Time `json:"maturity"`
	CreatedAt time.Time `json:"created_at"`

	// Claimable is the settled amount owed to the owner; Claimed is set once paid.
	Claimable decimal.Decimal `json:"claimable"`
	Claimed   bool            `json:"claimed"`
	SettledAt time.Time       `json:"settled_at,omitempty"`
}

// Key is the exposure key the pool tracks the ticket under.
func (p Parlay) Key() string { return ExposureKey(p.ID) }

const keyPrefix = "parlay:"

// ExposureKey maps a parlay ID to its pool exposure key.
func ExposureKey(id string) string { return keyPrefix + id }

// IDFromKey is the inverse of ExposureKey.
func IDFromKey(key string) (string, bool) { return strings.CutPrefix(key, keyPrefix) }

// LegKeys lists the (market, position) pairs the ticket is exposed to.
func (p Parlay) LegKeys() []risk.LegKey {
	out := make([]risk.LegKey, len(p.Quote.Legs))
	for i, l := range p.Quote.Legs {
		out[i] = risk.LegKey{Market: l.Market, Position: l.Position}
	}
	return out
}

// Markets lists the leg market addresses in order.
func (p Parlay) Markets() []common.Address {
	out := make([]common.Address, len(p.Quote.Legs))
	for i, l := range p.Quote.Legs {
		out[i] = l.Market
	}
	return out
}

// Positions lists the leg positions in order.
func (p Parlay) Positions() []int {
	out := make([]int, len(p.Quote.Legs))
	for i, l := range p.Quote.Legs {
		out[i] = int(l.Position)
	}
	return out
}

// Lookup returns the current record of a leg's market.
type Lookup func(addr common.Address) (market.Market, error)

// Settlement is the outcome of a ticket given the current state of its legs.
type Settlement struct {
	Status Status
	// Payout is what the owner receives; zero when lost or still open.
	Payout decimal.Decimal
	// Cancelled counts legs that were voided.
	Cancelled int
}

// Settle evaluates p against its legs. A ticket is lost as soon as any leg resolves
// against it and won once every non-cancelled leg resolved for it. Cancelled legs drop
// out of the odds, and the payout is recomputed from the remaining legs' odds at
// creation. A ticket whose legs were all cancelled refunds the stake.
func Settle(p Parlay, lookup Lookup) (Settlement, error) {
	pending := false
	active := make([]bool, len(p.Quote.Legs))
	cancelled := 0
	for i, leg := range p.Quote.Legs {
		m, err := lookup(leg.Market)
		if err != nil {
			return Settlement{}, fmt.Errorf("parlay %s leg %d: %w", p.ID, i, err)
		}
		switch m.Status {
		case market.StatusResolved:
			if m.Outcome != leg.Position {
				return Settlement{Status: StatusLost, Payout: fixed.Zero}, nil
			}
			active[i] = true
		case market.StatusCancelled:
			cancelled++
		default:
			pending = true
			active[i] = true
		}
	}
	if pending {
		return Settlement{Status: StatusOpen, Payout: fixed.Zero, Cancelled: cancelled}, nil
	}
	if cancelled == len(p.Quote.Legs) {
		return Settlement{Status: StatusRefunded, Payout: p.Quote.Stake, Cancelled: cancelled}, nil
	}
	if cancelled == 0 {
		return Settlement{Status: StatusWon, Payout: p.Quote.Payout}, nil
	}

	odds := fixed.One
	for i, leg := range p.Quote.Legs {
		if active[i] {
			odds = fixed.Mul(odds, leg.Odds)
		}
	}
	for _, pair := range p.Quote.Pairs {
		if active[pair.A] && active[pair.B] {
			odds = fixed.Mul(odds, pair.Factor)
		}
	}
	odds = fixed.Mul(odds, p.Quote.FeeFactor)
	payout := fixed.Min(fixed.Mul(p.Quote.Stake, odds), p.Quote.Payout)
	return Settlement{Status: StatusWon, Payout: payout, Cancelled: cancelled}, nil
}

// Book stores tickets by ID.
type Book struct {
	mu      sync.RWMutex
	parlays map[string]*Parlay
	byOwner map[common.Address][]string
}

func NewBook() *Book {
	return &Book{
		parlays: make(map[string]*Parlay),
		byOwner: make(map[common.Address][]string),
	}
}

// Add stores p under a new ID and returns the stored copy.
func (b *Book) Add(p Parlay) Parlay {
	b.mu.Lock()
	defer b.mu.Unlock()
	p.ID = uuid.New().String()
	p.Status = StatusOpen
	p.Claimable = fixed.Zero
	b.parlays[p.ID] = &p
	b.byOwner[p.Owner] = append(b.byOwner[p.Owner], p.ID)
	return p
}

func (b *Book) Get(id string) (Parlay, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.parlays[id]
	if !ok {
		return Parlay{}, fmt.Errorf("%w: parlay %s", domain.ErrNotFound, id)
	}
	return *p, nil
}

// ByOwner lists an owner's tickets, oldest first.
func (b *Book) ByOwner(owner common.Address) []Parlay {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := b.byOwner[owner]
	out := make([]Parlay, 0, len(ids))
	for _, id := range ids {
		out = append(out, *b.parlays[id])
	}
	return out
}

// Open lists unsettled tickets ordered by creation.
func (b *Book) Open() []Parlay {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Parlay
	for _, p := range b.parlays {
		if p.Status == StatusOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkSettled records a settlement. Settling twice is a state error.
func (b *Book) MarkSettled(id string, s Settlement, at time.Time) (Parlay, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parlays[id]
	if !ok {
		return Parlay{}, fmt.Errorf("%w: parlay %s", domain.ErrNotFound, id)
	}
	if p.Status != StatusOpen {
		return Parlay{}, fmt.Errorf("%w: parlay %s already %s", domain.ErrState, id, p.Status)
	}
	if s.Status == StatusOpen {
		return Parlay{}, fmt.Errorf("%w: parlay %s has unresolved legs", domain.ErrState, id)
	}
	p.Status = s.Status
	p.Claimable = s.Payout
	p.SettledAt = at
	return *p, nil
}

// MarkClaimed records that the owner was paid.
func (b *Book) MarkClaimed(id string) (Parlay, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parlays[id]
	if !ok {
		return Parlay{}, fmt.Errorf("%w: parlay %s", domain.ErrNotFound, id)
	}
	if p.Status == StatusOpen || p.Claimed {
		return Parlay{}, fmt.Errorf("%w: parlay %s is not claimable", domain.ErrState, id)
	}
	p.Claimed = true
	return *p, nil
}

// IsFinal reports whether the ticket's outcome is decided, settled or not.
func (b *Book) IsFinal(id string, lookup Lookup) bool {
	p, err := b.Get(id)
	if err != nil {
		return false
	}
	if p.Status != StatusOpen {
		return true
	}
	s, err := Settle(p, lookup)
	return err == nil && s.Status != StatusOpen
}
