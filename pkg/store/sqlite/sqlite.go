// Package sqlite is a pure-Go SQLite journal for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/store"
)

// Decimals are stored as text so no precision is lost; times as unix nanoseconds.
const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id           TEXT PRIMARY KEY,
    market       TEXT    NOT NULL,
    trader       TEXT    NOT NULL,
    side         TEXT    NOT NULL,
    position     INTEGER NOT NULL,
    amount       TEXT    NOT NULL,
    price        TEXT    NOT NULL,
    total        TEXT    NOT NULL,
    safe_box_fee TEXT    NOT NULL,
    round        INTEGER NOT NULL,
    sport_tag    INTEGER NOT NULL,
    ts           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS parlays (
    id           TEXT PRIMARY KEY,
    owner        TEXT    NOT NULL,
    markets      TEXT    NOT NULL,
    positions    TEXT    NOT NULL,
    stake        TEXT    NOT NULL,
    joint_odds   TEXT    NOT NULL,
    payout       TEXT    NOT NULL,
    safe_box_fee TEXT    NOT NULL,
    status       TEXT    NOT NULL,
    round        INTEGER NOT NULL,
    ts           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rounds (
    round            INTEGER PRIMARY KEY,
    starting_balance TEXT    NOT NULL,
    ending_balance   TEXT    NOT NULL,
    pnl              TEXT    NOT NULL,
    cumulative_pnl   TEXT    NOT NULL,
    users_processed  INTEGER NOT NULL,
    depositors       INTEGER NOT NULL,
    ts               INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market, ts DESC);
CREATE INDEX IF NOT EXISTS idx_parlays_owner ON parlays(owner);
`

// Store implements store.Journal on SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Journal = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps :memory: on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordTrade inserts a trade. Replaying the same trade ID is a no-op.
func (s *Store) RecordTrade(ctx context.Context, ev domain.TradeEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, market, trader, side, position, amount, price, total, safe_box_fee, round, sport_tag, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Market.Hex(), ev.Trader.Hex(), string(ev.Side), ev.Position,
		ev.Amount.String(), ev.Price.String(), ev.Total.String(), ev.SafeBoxFee.String(),
		ev.Round, ev.SportTag, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record trade %s: %w", ev.ID, err)
	}
	return nil
}

// RecordParlay upserts a parlay so the row always holds its latest status.
func (s *Store) RecordParlay(ctx context.Context, ev domain.ParlayEvent) error {
	markets, err := store.EncodeAddresses(ev.Markets)
	if err != nil {
		return err
	}
	positions, err := store.EncodePositions(ev.Positions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO parlays (id, owner, markets, positions, stake, joint_odds, payout, safe_box_fee, status, round, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payout = excluded.payout,
			status = excluded.status,
			ts     = excluded.ts`,
		ev.ID, ev.Owner.Hex(), markets, positions,
		ev.Stake.String(), ev.JointOdds.String(), ev.Payout.String(), ev.SafeBoxFee.String(),
		ev.Status, ev.Round, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record parlay %s: %w", ev.ID, err)
	}
	return nil
}

// RecordRound stores a closed round.
func (s *Store) RecordRound(ctx context.Context, ev domain.RoundEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rounds (round, starting_balance, ending_balance, pnl, cumulative_pnl, users_processed, depositors, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(round) DO UPDATE SET
			ending_balance  = excluded.ending_balance,
			pnl             = excluded.pnl,
			cumulative_pnl  = excluded.cumulative_pnl,
			users_processed = excluded.users_processed,
			ts              = excluded.ts`,
		ev.Round, ev.StartingBalance.String(), ev.EndingBalance.String(), ev.PnL.String(),
		ev.CumulativePnL.String(), ev.UsersProcessed, ev.Depositors, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record round %d: %w", ev.Round, err)
	}
	return nil
}

func (s *Store) TradesByMarket(ctx context.Context, market common.Address, limit int) ([]domain.TradeEvent, error) {
	query := `
		SELECT id, market, trader, side, position, amount, price, total, safe_box_fee, round, sport_tag, ts
		FROM trades WHERE market = ? ORDER BY ts DESC, id`
	args := []any{market.Hex()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeEvent
	for rows.Next() {
		var (
			ev                        domain.TradeEvent
			mkt, trader, side         string
			amount, price, total, fee string
			ts                        int64
		)
		if err := rows.Scan(&ev.ID, &mkt, &trader, &side, &ev.Position, &amount, &price, &total, &fee,
			&ev.Round, &ev.SportTag, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan trade: %w", err)
		}
		ev.Market = common.HexToAddress(mkt)
		ev.Trader = common.HexToAddress(trader)
		ev.Side = domain.TradeSide(side)
		ev.Timestamp = time.Unix(0, ts).UTC()
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
		ts                            int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, markets, positions, stake, joint_odds, payout, safe_box_fee, status, round, ts
		FROM parlays WHERE id = ?`, id,
	).Scan(&ev.ID, &owner, &markets, &positions, &stake, &jointOdds, &payout, &fee, &ev.Status, &ev.Round, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, fmt.Errorf("%w: parlay %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return ev, fmt.Errorf("sqlite: query parlay %s: %w", id, err)
	}

	ev.Owner = common.HexToAddress(owner)
	ev.Timestamp = time.Unix(0, ts).UTC()
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT round, starting_balance, ending_balance, pnl, cumulative_pnl, users_processed, depositors, ts
		FROM rounds ORDER BY round`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query rounds: %w", err)
	}
	defer rows.Close()

	var out []domain.RoundEvent
	for rows.Next() {
		var (
			ev                         domain.RoundEvent
			starting, ending, pnl, cum string
			ts                         int64
		)
		if err := rows.Scan(&ev.Round, &starting, &ending, &pnl, &cum, &ev.UsersProcessed, &ev.Depositors, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan round: %w", err)
		}
		ev.Phase = "closed"
		ev.Timestamp = time.Unix(0, ts).UTC()
		if err := store.DecodeDecimals(store.Field(&ev.StartingBalance, starting), store.Field(&ev.EndingBalance, ending),
			store.Field(&ev.PnL, pnl), store.Field(&ev.CumulativePnL, cum)); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
