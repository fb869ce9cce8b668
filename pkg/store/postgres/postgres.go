// Package postgres implements the journal on PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.Journal. Decimals travel as text and are cast in SQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Journal = (*Store)(nil)

// Open connects to dsn, pings the server and applies pending migrations.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// migrate applies embedded migrations in lexical order, once each.
func (s *Store) migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		body, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) RecordTrade(ctx context.Context, ev domain.TradeEvent) error {
	const query = `
		INSERT INTO trades (id, market, trader, side, position, amount, price, total, safe_box_fee, round, sport_tag, ts)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8::text::numeric, $9::text::numeric, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.Market.Hex(), ev.Trader.Hex(), string(ev.Side), ev.Position,
		ev.Amount.String(), ev.Price.String(), ev.Total.String(), ev.SafeBoxFee.String(),
		ev.Round, ev.SportTag, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: record trade %s: %w", ev.ID, err)
	}
	return nil
}

func (s *Store) RecordParlay(ctx context.Context, ev domain.ParlayEvent) error {
	markets, err := store.EncodeAddresses(ev.Markets)
	if err != nil {
		return err
	}
	positions, err := store.EncodePositions(ev.Positions)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO parlays (id, owner, markets, positions, stake, joint_odds, payout, safe_box_fee, status, round, ts)
		VALUES ($1, $2, $3::text::jsonb, $4::text::jsonb, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8::text::numeric, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			payout = EXCLUDED.payout,
			status = EXCLUDED.status,
			ts     = EXCLUDED.ts`
	_, err = s.pool.Exec(ctx, query,
		ev.ID, ev.Owner.Hex(), markets, positions,
		ev.Stake.String(), ev.JointOdds.String(), ev.Payout.String(), ev.SafeBoxFee.String(),
		ev.Status, ev.Round, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: record parlay %s: %w", ev.ID, err)
	}
	return nil
}

func (s *Store) RecordRound(ctx context.Context, ev domain.RoundEvent) error {
	const query = `
		INSERT INTO rounds (round, starting_balance, ending_balance, pnl, cumulative_pnl, users_processed, depositors, ts)
		VALUES ($1, $2::text::numeric, $3::text::numeric, $4::text::numeric, $5::text::numeric, $6, $7, $8)
		ON CONFLICT (round) DO UPDATE SET
			ending_balance  = EXCLUDED.ending_balance,
			pnl             = EXCLUDED.pnl,
			cumulative_pnl  = EXCLUDED.cumulative_pnl,
			users_processed = EXCLUDED.users_processed,
			ts              = EXCLUDED.ts`
	_, err := s.pool.Exec(ctx, query,
		ev.Round, ev.StartingBalance.String(), ev.EndingBalance.String(), ev.PnL.String(),
		ev.CumulativePnL.String(), ev.UsersProcessed, ev.Depositors, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: record round %d: %w", ev.Round, err)
	}
	return nil
}

func (s *Store) TradesByMarket(ctx context.Context, market common.Address, limit int) ([]domain.TradeEvent, error) {
	query := `
		SELECT id, market, trader, side, position, amount::text, price::text, total::text, safe_box_fee::text, round, sport_tag, ts
		FROM trades WHERE market = $1 ORDER BY ts DESC, id`
	args := []any{market.Hex()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeEvent
	for rows.Next() {
		var (
			ev                        domain.TradeEvent
			mkt, trader, side         string
			amount, price, total, fee string
		)
		if err := rows.Scan(&ev.ID, &mkt, &trader, &side, &ev.Position, &amount, &price, &total, &fee,
			&ev.Round, &ev.SportTag, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		ev.Market = common.HexToAddress(mkt)
		ev.Trader = common.HexToAddress(trader)
		ev.Side = domain.TradeSide(side)
		ev.Timestamp = ev.Timestamp.UTC()
		if err := store.DecodeDecimals(
			store.Field(&ev.Amount, amount), store.Field(&ev.Price, price),
			store.Field(&ev.Total, total), store.Field(&ev.SafeBoxFee, fee),
		); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Parlay(ctx context.Context, id string) (domain.ParlayEvent, error) {
	var (
		ev                            domain.ParlayEvent
		owner, markets, positions     string
		stake, jointOdds, payout, fee string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner, markets::text, positions::text, stake::text, joint_odds::text, payout::text,
		       safe_box_fee::text, status, round, ts
		FROM parlays WHERE id = $1`, id,
	).Scan(&ev.ID, &owner, &markets, &positions, &stake, &jointOdds, &payout, &fee, &ev.Status, &ev.Round, &ev.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return ev, fmt.Errorf("%w: parlay %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return ev, fmt.Errorf("postgres: query parlay %s: %w", id, err)
	}

	ev.Owner = common.HexToAddress(owner)
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Markets, err = store.DecodeAddresses(markets); err != nil {
		return ev, err
	}
	if ev.Positions, err = store.DecodePositions(positions); err != nil {
		return ev, err
	}
	err = store.DecodeDecimals(
		store.Field(&ev.Stake, stake), store.Field(&ev.JointOdds, jointOdds),
		store.Field(&ev.Payout, payout), store.Field(&ev.SafeBoxFee, fee),
	)
	return ev, err
}

func (s *Store) Rounds(ctx context.Context) ([]domain.RoundEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round, starting_balance::text, ending_balance::text, pnl::text, cumulative_pnl::text,
		       users_processed, depositors, ts
		FROM rounds ORDER BY round`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query rounds: %w", err)
	}
	defer rows.Close()

	var out []domain.RoundEvent
	for rows.Next() {
		var (
			ev                         domain.RoundEvent
			starting, ending, pnl, cum string
		)
		if err := rows.Scan(&ev.Round, &starting, &ending, &pnl, &cum, &ev.UsersProcessed, &ev.Depositors, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		ev.Phase = "closed"
		ev.Timestamp = ev.Timestamp.UTC()
		if err := store.DecodeDecimals(
			store.Field(&ev.StartingBalance, starting), store.Field(&ev.EndingBalance, ending),
			store.Field(&ev.PnL, pnl), store.Field(&ev.CumulativePnL, cum),
		); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
