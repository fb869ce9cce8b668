// Package keeper drives the periodic AMM workflow: pulling oracle verdicts into the
// market registry and closing pool rounds once they are decided.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phenomenon0/sportsamm/pkg/amm/sports"
	"github.com/phenomenon0/sportsamm/pkg/domain"
)

// Stage is a step of the keeper workflow.
type Stage string

const (
	StageSync  Stage = "sync_markets"
	StageClose Stage = "close_round"
)

// StageResult holds the result of a stage execution.
type StageResult struct {
	Stage     Stage         `json:"stage"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Data      any           `json:"data,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncResult reports a market sync pass.
type SyncResult struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
}

// CloseResult reports the rounds closed in one pass.
type CloseResult struct {
	Rounds    []int `json:"rounds"`
	Processed int   `json:"processed"`
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// MaxRoundsPerTick bounds catch-up after downtime.
	MaxRoundsPerTick int
}

func DefaultConfig() Config {
	return Config{Interval: time.Minute, BatchSize: 100, MaxRoundsPerTick: 8}
}

// Keeper runs the workflow on a ticker.
type Keeper struct {
	cfg    Config
	amm    *sports.AMM
	logger *slog.Logger

	mu              sync.Mutex
	lastRun         time.Time
	onStageComplete func(*StageResult)
}

func New(cfg Config, amm *sports.AMM, logger *slog.Logger) (*Keeper, error) {
	if cfg.Interval <= 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: keeper interval and batch size must be positive", domain.ErrValidation)
	}
	if cfg.MaxRoundsPerTick <= 0 {
		cfg.MaxRoundsPerTick = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{cfg: cfg, amm: amm, logger: logger}, nil
}

// OnStageComplete sets a callback for stage completions.
func (k *Keeper) OnStageComplete(fn func(*StageResult)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onStageComplete = fn
}

// LastRun is when RunOnce last finished.
func (k *Keeper) LastRun() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastRun
}

// Run executes RunOnce every interval until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.logger.InfoContext(ctx, "keeper: started", slog.Duration("interval", k.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := k.RunOnce(ctx); err != nil {
				k.logger.WarnContext(ctx, "keeper: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce syncs every undecided market and then closes as many rounds as are ready.
func (k *Keeper) RunOnce(ctx context.Context) error {
	defer func() {
		k.mu.Lock()
		k.lastRun = time.Now()
		k.mu.Unlock()
	}()
	if err := k.runStage(ctx, StageSync); err != nil {
		return err
	}
	return k.runStage(ctx, StageClose)
}

func (k *Keeper) runStage(ctx context.Context, stage Stage) error {
	start := time.Now()
	var (
		data any
		err  error
	)
	switch stage {
	case StageSync:
		data, err = k.syncMarkets(ctx)
	case StageClose:
		data, err = k.closeRounds(ctx)
	default:
		err = fmt.Errorf("keeper: unknown stage %s", stage)
	}

	result := &StageResult{
		Stage:     stage,
		Success:   err == nil,
		Data:      data,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	k.mu.Lock()
	cb := k.onStageComplete
	k.mu.Unlock()
	if cb != nil {
		cb(result)
	}
	return err
}

// syncMarkets asks the oracle about every market that is not final. A failing market
// does not stop the others.
func (k *Keeper) syncMarkets(ctx context.Context) (SyncResult, error) {
	var (
		res  SyncResult
		errs []error
	)
	for _, m := range k.amm.Registry().All() {
		if m.Status.Final() {
			continue
		}
		res.Checked++
		got, err := k.amm.SyncMarket(ctx, m.Address)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if got.Status != m.Status {
			res.Changed++
		}
	}
	return res, errors.Join(errs...)
}

func (k *Keeper) closeRounds(ctx context.Context) (CloseResult, error) {
	var res CloseResult
	for i := 0; i < k.cfg.MaxRoundsPerTick; i++ {
		if !k.amm.CanCloseCurrentRound() {
			return res, nil
		}
		round := k.amm.Pool().CurrentRound()
		processed, err := k.closeRound(ctx)
		res.Processed += processed
		if err != nil {
			return res, fmt.Errorf("keeper: close round %d: %w", round, err)
		}
		res.Rounds = append(res.Rounds, round)
		k.logger.InfoContext(ctx, "keeper: round closed",
			slog.Int("round", round),
			slog.Int("depositors", processed))
	}
	return res, nil
}

func (k *Keeper) closeRound(ctx context.Context) (int, error) {
	if err := k.amm.PrepareRoundClosing(ctx); err != nil {
		return 0, err
	}
	total := 0
	for {
		n, err := k.amm.ProcessRoundClosingBatch(ctx, k.cfg.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < k.cfg.BatchSize {
			break
		}
	}
	return total, k.amm.CloseRound(ctx)
}
