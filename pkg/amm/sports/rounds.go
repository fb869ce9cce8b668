package sports

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/phenomenon0/sportsamm/pkg/amm/parlay"
)

// PrepareRoundClosing exercises every decided market and parlay of the current round
// and then snapshots the round's ending balance.
func (a *AMM) PrepareRoundClosing(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.exerciseRound(ctx); err != nil {
		return a.reject("prepare_round", err)
	}
	if err := a.pool.PrepareRoundClosing(ctx); err != nil {
		return a.reject("prepare_round", err)
	}
	return nil
}

// exerciseRound settles the current round's resolved exposures. Undecided ones are
// left alone; the pool refuses to prepare until they resolve.
func (a *AMM) exerciseRound(ctx context.Context) error {
	res := resolver{registry: a.registry, book: a.book}
	settled := 0
	for _, key := range a.pool.UnsettledExposures() {
		if !res.IsResolved(key) {
			continue
		}
		var err error
		if id, ok := parlay.IDFromKey(key); ok {
			_, err = a.exerciseParlay(ctx, id)
		} else {
			_, err = a.exerciseMarket(ctx, common.HexToAddress(key))
		}
		if err != nil {
			return fmt.Errorf("amm: exercise %s: %w", key, err)
		}
		settled++
	}
	if settled > 0 {
		a.logger.InfoContext(ctx, "amm: round exposures exercised",
			slog.Int("round", a.pool.CurrentRound()),
			slog.Int("settled", settled))
	}
	return nil
}

// ProcessRoundClosingBatch pays out up to n depositors of the closing round.
func (a *AMM) ProcessRoundClosingBatch(ctx context.Context, n int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	processed, err := a.pool.ProcessRoundClosingBatch(ctx, n)
	if err != nil {
		return processed, a.reject("process_round", err)
	}
	return processed, nil
}

// CloseRound finalizes the closing round and activates the next one.
func (a *AMM) CloseRound(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.pool.CloseRound(ctx); err != nil {
		return a.reject("close_round", err)
	}
	return nil
}

// CanCloseCurrentRound reports whether the current round's window ended and every
// exposure in it has resolved.
func (a *AMM) CanCloseCurrentRound() bool {
	return a.pool.CanCloseCurrentRound()
}
