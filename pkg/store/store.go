// Package store defines the durable journal of trades, parlays and closed rounds.
// Backends live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/events"
)

// Reader serves journal history to the API.
type Reader interface {
	// TradesByMarket returns the newest trades on a market first. A non-positive
	// limit returns every trade.
	TradesByMarket(ctx context.Context, market common.Address, limit int) ([]domain.TradeEvent, error)
	// Parlay returns the latest recorded state of a parlay, or domain.ErrNotFound.
	Parlay(ctx context.Context, id string) (domain.ParlayEvent, error)
	// Rounds returns the closed rounds in ascending order.
	Rounds(ctx context.Context) ([]domain.RoundEvent, error)
}

// Journal is a writable, readable backend.
type Journal interface {
	events.Journal
	Reader
	Close() error
}

// EncodeAddresses stores a list of addresses as a JSON array of hex strings.
func EncodeAddresses(addrs []common.Address) (string, error) {
	hex := make([]string, len(addrs))
	for i, a := range addrs {
		hex[i] = a.Hex()
	}
	b, err := json.Marshal(hex)
	if err != nil {
		return "", fmt.Errorf("store: encode addresses: %w", err)
	}
	return string(b), nil
}

func DecodeAddresses(s string) ([]common.Address, error) {
	var hex []string
	if err := json.Unmarshal([]byte(s), &hex); err != nil {
		return nil, fmt.Errorf("store: decode addresses: %w", err)
	}
	out := make([]common.Address, len(hex))
	for i, h := range hex {
		out[i] = common.HexToAddress(h)
	}
	return out, nil
}

func EncodePositions(pos []int) (string, error) {
	if pos == nil {
		pos = []int{}
	}
	b, err := json.Marshal(pos)
	if err != nil {
		return "", fmt.Errorf("store: encode positions: %w", err)
	}
	return string(b), nil
}

func DecodePositions(s string) ([]int, error) {
	var out []int
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("store: decode positions: %w", err)
	}
	return out, nil
}

// ParseDecimal reads a decimal column written as text. Empty text reads as zero.
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: decode decimal %q: %w", s, err)
	}
	return d, nil
}

// DecimalField pairs a destination with the text read from a column.
type DecimalField struct {
	Dst *decimal.Decimal
	Src string
}

func Field(dst *decimal.Decimal, src string) DecimalField { return DecimalField{Dst: dst, Src: src} }

// DecodeDecimals parses every field, stopping at the first error.
func DecodeDecimals(fields ...DecimalField) error {
	for _, f := range fields {
		d, err := ParseDecimal(f.Src)
		if err != nil {
			return err
		}
		*f.Dst = d
	}
	return nil
}
