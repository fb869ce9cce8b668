// Package market holds binary/ternary outcome markets and the registry that owns them.
package market

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
)

// Kind distinguishes how a market's base probability is sourced.
type Kind int

const (
	// KindSports markets are priced from oracle odds.
	KindSports Kind = iota
	// KindPositional markets (Up/Down) are priced by the odds model from a spot feed.
	KindPositional
)

func (k Kind) String() string {
	switch k {
	case KindSports:
		return "sports"
	case KindPositional:
		return "positional"
	default:
		return "unknown"
	}
}

// ParseKind reads the config spelling of a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "sports":
		return KindSports, nil
	case "positional":
		return KindPositional, nil
	default:
		return KindSports, fmt.Errorf("%w: unknown market kind %q", domain.ErrValidation, s)
	}
}

// Status is the resolution state of a market.
type Status int

const (
	StatusOpen Status = iota
	StatusPaused
	StatusResolved
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusPaused:
		return "paused"
	case StatusResolved:
		return "resolved"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Final reports whether the status can no longer change.
func (s Status) Final() bool { return s == StatusResolved || s == StatusCancelled }

// Position is a side of a market.
type Position int

const (
	Home Position = 0
	Away Position = 1
	Draw Position = 2

	Up   Position = 0
	Down Position = 1
)

// Name returns a readable side name for a market with n positions.
func (p Position) Name(kind Kind) string {
	if kind == KindPositional {
		switch p {
		case Up:
			return "up"
		case Down:
			return "down"
		}
		return "invalid"
	}
	switch p {
	case Home:
		return "home"
	case Away:
		return "away"
	case Draw:
		return "draw"
	}
	return "invalid"
}

// Market is a snapshot of one market record.
type Market struct {
	Address  common.Address  `json:"address"`
	Parent   common.Address  `json:"parent,omitempty"`
	Kind     Kind            `json:"kind"`
	Tags     Tags            `json:"tags"`
	Line     decimal.Decimal `json:"line"`
	Asset    string          `json:"asset,omitempty"`
	Maturity time.Time       `json:"maturity"`
	Status   Status          `json:"status"`
	Outcome  Position        `json:"outcome"`

	// Sold is the inventory the AMM has sold to users, per position.
	Sold []decimal.Decimal `json:"sold"`

	// OddsOnCancellation is what one position token redeems for if the game is cancelled.
	OddsOnCancellation []decimal.Decimal `json:"odds_on_cancellation"`

	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Positions returns the number of sides (2 or 3).
func (m Market) Positions() int { return len(m.Sold) }

// IsChild reports whether m derives from a parent game.
func (m Market) IsChild() bool { return m.Parent != (common.Address{}) }

// Game returns the parent address, or the market's own address for a parent.
func (m Market) Game() common.Address {
	if m.IsChild() {
		return m.Parent
	}
	return m.Address
}

// ValidPosition rejects positions the market does not have.
func (m Market) ValidPosition(p Position) error {
	if p < 0 || int(p) >= m.Positions() {
		return fmt.Errorf("%w: position %d on a %d-sided market", domain.ErrValidation, p, m.Positions())
	}
	return nil
}

// Tradable rejects trading once the market is paused, final or matured.
func (m Market) Tradable(now time.Time) error {
	switch m.Status {
	case StatusPaused:
		return fmt.Errorf("%w: market %s is paused", domain.ErrState, m.Address.Hex())
	case StatusResolved, StatusCancelled:
		return fmt.Errorf("%w: market %s is %s", domain.ErrState, m.Address.Hex(), m.Status)
	}
	if !now.Before(m.Maturity) {
		return fmt.Errorf("%w: market %s has matured", domain.ErrState, m.Address.Hex())
	}
	return nil
}

// TotalSold is the sum of inventory over every position. Each sold token is backed
// by one unit of escrowed collateral, so this is also the market's escrow.
func (m Market) TotalSold() decimal.Decimal {
	total := fixed.Zero
	for _, s := range m.Sold {
		total = total.Add(s)
	}
	return total
}

// PayoutPerToken is what one token of position p redeems for after settlement.
func (m Market) PayoutPerToken(p Position) decimal.Decimal {
	switch m.Status {
	case StatusResolved:
		if p == m.Outcome {
			return fixed.One
		}
		return fixed.Zero
	case StatusCancelled:
		if int(p) < len(m.OddsOnCancellation) {
			return m.OddsOnCancellation[p]
		}
	}
	return fixed.Zero
}

func (m Market) clone() Market {
	c := m
	c.Sold = append([]decimal.Decimal(nil), m.Sold...)
	c.OddsOnCancellation = append([]decimal.Decimal(nil), m.OddsOnCancellation...)
	return c
}
