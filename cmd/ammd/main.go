// ammd runs the sports AMM as a service: an in-memory ledger and oracle seeded from
// config, a durable journal, an optional redis event bus and a read-only HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phenomenon0/sportsamm/pkg/amm/keeper"
	"github.com/phenomenon0/sportsamm/pkg/amm/metrics"
	"github.com/phenomenon0/sportsamm/pkg/amm/parlay"
	"github.com/phenomenon0/sportsamm/pkg/amm/pool"
	"github.com/phenomenon0/sportsamm/pkg/amm/pricing"
	"github.com/phenomenon0/sportsamm/pkg/amm/risk"
	"github.com/phenomenon0/sportsamm/pkg/amm/sports"
	"github.com/phenomenon0/sportsamm/pkg/amm/streaming"
	"github.com/phenomenon0/sportsamm/pkg/api"
	redisbus "github.com/phenomenon0/sportsamm/pkg/bus/redis"
	"github.com/phenomenon0/sportsamm/pkg/collateral"
	"github.com/phenomenon0/sportsamm/pkg/config"
	"github.com/phenomenon0/sportsamm/pkg/events"
	"github.com/phenomenon0/sportsamm/pkg/market"
	"github.com/phenomenon0/sportsamm/pkg/oracle"
	"github.com/phenomenon0/sportsamm/pkg/store"
	"github.com/phenomenon0/sportsamm/pkg/store/postgres"
	"github.com/phenomenon0/sportsamm/pkg/store/sqlite"
)

var (
	configPath = flag.String("config", "configs/ammd.toml", "Path to a TOML or YAML config file")
	checkOnly  = flag.Bool("check", false, "Validate the config and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	tags := market.NewTagRegistry()
	if err := cfg.Validate(tags); err != nil {
		logger.Error("ammd: invalid config", slog.String("path", *configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *checkOnly {
		logger.Info("ammd: config ok", slog.String("path", *configPath))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, tags, logger); err != nil {
		logger.Error("ammd: exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("ammd: stopped")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

type service struct {
	amm     *sports.AMM
	keeper  *keeper.Keeper
	hub     *streaming.Hub
	metrics *metrics.AMMMetrics
	journal store.Journal
	bus     *redisbus.Bus
}

func (s *service) close(logger *slog.Logger) {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			logger.Warn("ammd: close redis", slog.String("error", err.Error()))
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			logger.Warn("ammd: close journal", slog.String("error", err.Error()))
		}
	}
}

func run(ctx context.Context, cfg *config.Config, tags *market.TagRegistry, logger *slog.Logger) error {
	svc, err := build(ctx, cfg, tags, logger)
	if err != nil {
		return err
	}
	defer svc.close(logger)

	handler := api.NewHandler(api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
	}, api.Deps{
		AMM:     svc.amm,
		Journal: svc.journal,
		Metrics: svc.metrics.Registry(),
		Stream:  http.HandlerFunc(svc.hub.ServeWS),
		Logger:  logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return svc.keeper.Run(gctx) })
	g.Go(func() error {
		logger.Info("ammd: listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ammd: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("ammd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func build(ctx context.Context, cfg *config.Config, tags *market.TagRegistry, logger *slog.Logger) (*service, error) {
	svc := &service{
		metrics: metrics.New(),
		hub:     streaming.NewHub(logger),
	}
	fan := events.NewFanout(logger, svc.metrics, svc.hub)

	journal, err := openJournal(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if journal != nil {
		svc.journal = journal
		fan.Add(events.JournalSink{J: journal})
	}
	if cfg.Redis.Enabled() {
		bus, err := redisbus.New(ctx, redisbus.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Channel:      cfg.Redis.Channel,
			Stream:       cfg.Redis.Stream,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			svc.close(logger)
			return nil, err
		}
		svc.bus = bus
		fan.Add(bus)
	}

	a, err := buildAMM(ctx, cfg, tags, fan, svc.metrics, logger)
	if err != nil {
		svc.close(logger)
		return nil, err
	}
	svc.amm = a

	kc, _ := cfg.Keeper()
	svc.keeper, err = keeper.New(keeper.Config{Interval: kc.Interval, BatchSize: kc.BatchSize, MaxRoundsPerTick: 8}, a, logger)
	if err != nil {
		svc.close(logger)
		return nil, err
	}
	svc.keeper.OnStageComplete(func(r *keeper.StageResult) {
		if !r.Success {
			logger.Warn("keeper: stage failed", slog.String("stage", string(r.Stage)), slog.String("error", r.Error))
		}
	})
	return svc, nil
}

func openJournal(ctx context.Context, sc config.StoreConfig) (store.Journal, error) {
	switch sc.Driver {
	case "sqlite":
		return sqlite.Open(sc.DSN)
	case "postgres":
		return postgres.Open(ctx, sc.DSN, 10)
	default:
		return nil, nil
	}
}

// buildAMM wires the components from config. Config errors were reported by Validate,
// so builder errors here are unexpected.
func buildAMM(ctx context.Context, cfg *config.Config, tags *market.TagRegistry, fan *events.Fanout,
	observer sports.Observer, logger *slog.Logger) (*sports.AMM, error) {
	pc, err := cfg.PricingConfig()
	if err != nil {
		return nil, err
	}
	engine, err := pricing.NewEngine(pc)
	if err != nil {
		return nil, err
	}
	rc, err := cfg.RiskConfig(tags)
	if err != nil {
		return nil, err
	}
	rm, err := risk.NewManager(rc)
	if err != nil {
		return nil, err
	}
	parc, err := cfg.ParlayConfig(tags)
	if err != nil {
		return nil, err
	}
	comb, err := parlay.NewCombiner(parc)
	if err != nil {
		return nil, err
	}
	sc, err := cfg.SportsConfig()
	if err != nil {
		return nil, err
	}

	ledger := collateral.NewLedger()
	orc := oracle.NewStatic()

	var swapper collateral.Swapper
	swap, err := cfg.Swap()
	if err != nil {
		return nil, err
	}
	if len(swap.Rates) > 0 {
		ss := collateral.NewStableSwap(ledger, swap.Reserve, swap.FeeBps)
		for asset, rate := range swap.Rates {
			ss.AddAsset(asset, rate)
		}
		ledger.Mint(swap.Reserve, swap.ReserveBalance)
		swapper = ss
	}

	poc, err := cfg.PoolConfig()
	if err != nil {
		return nil, err
	}
	p, err := pool.New(poc, ledger,
		pool.WithLogger(logger),
		pool.WithStaking(orc),
		pool.WithEvents(fan))
	if err != nil {
		return nil, err
	}
	whitelist, err := cfg.Whitelist()
	if err != nil {
		return nil, err
	}
	p.SetWhitelisted(true, whitelist...)

	a, err := sports.New(sc, sports.Deps{
		Registry: market.NewRegistry(time.Now),
		Pricing:  engine,
		Risk:     rm,
		Pool:     p,
		Parlays:  comb,
		Book:     parlay.NewBook(),
		Token:    ledger,
		Swapper:  swapper,
		Oracle:   orc,
		Prices:   orc,
		Events:   fan,
		Observer: observer,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	genesis, err := cfg.GenesisDeposits()
	if err != nil {
		return nil, err
	}
	for _, g := range genesis {
		ledger.Mint(g.User, g.Amount)
		ledger.Approve(g.User, poc.Address, g.Amount)
		if _, err := p.Deposit(ctx, g.User, g.Amount); err != nil {
			return nil, fmt.Errorf("ammd: genesis deposit for %s: %w", g.User.Hex(), err)
		}
	}
	if len(genesis) > 0 {
		if err := p.Start(ctx); err != nil {
			return nil, err
		}
	}

	seeds, err := cfg.Seeds(tags)
	if err != nil {
		return nil, err
	}
	for _, s := range seeds {
		m, err := a.RegisterMarket(ctx, s.Spec)
		if err != nil {
			return nil, fmt.Errorf("ammd: register %s: %w", s.Spec.Address.Hex(), err)
		}
		if len(s.Odds) > 0 {
			if err := orc.SetOdds(m.Address, s.Odds...); err != nil {
				return nil, err
			}
		}
	}
	logger.Info("ammd: amm ready",
		slog.Int("markets", a.Registry().Len()),
		slog.Bool("pool_started", p.Started()),
		slog.Int("genesis_deposits", len(genesis)))
	return a, nil
}
