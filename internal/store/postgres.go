package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	participant_id TEXT PRIMARY KEY,
	cash_balance   NUMERIC NOT NULL,
	realized_pnl   NUMERIC NOT NULL DEFAULT 0,
	total_wealth   NUMERIC NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS holdings (
	participant_id TEXT NOT NULL REFERENCES portfolios(participant_id),
	instrument     TEXT NOT NULL,
	quantity       NUMERIC NOT NULL CHECK (quantity > 0),
	average_cost   NUMERIC NOT NULL,
	PRIMARY KEY (participant_id, instrument)
);
CREATE TABLE IF NOT EXISTS short_positions (
	id                  TEXT PRIMARY KEY,
	participant_id      TEXT NOT NULL REFERENCES portfolios(participant_id),
	instrument          TEXT NOT NULL,
	quantity            NUMERIC NOT NULL,
	average_short_price NUMERIC NOT NULL,
	active              BOOLEAN NOT NULL,
	opened_at           TIMESTAMPTZ NOT NULL,
	closed_at           TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS short_positions_one_active
	ON short_positions (participant_id, instrument) WHERE active;
CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	instrument     TEXT NOT NULL,
	side           TEXT NOT NULL,
	quantity       NUMERIC NOT NULL,
	price          NUMERIC NOT NULL,
	total_amount   NUMERIC NOT NULL,
	realized_pnl   NUMERIC NOT NULL DEFAULT 0,
	system         BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_participant ON trades (participant_id, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, participantID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cashS, pnlS, wealthS string

	err := s.pool.QueryRow(ctx,
		`SELECT participant_id, cash_balance::TEXT, realized_pnl::TEXT, total_wealth::TEXT, updated_at
		 FROM portfolios WHERE participant_id = $1`, participantID).
		Scan(&p.ParticipantID, &cashS, &pnlS, &wealthS, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: portfolio %s", ErrNotFound, participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", participantID, err)
	}
	p.CashBalance, _ = decimal.NewFromString(cashS)
	p.RealizedPnL, _ = decimal.NewFromString(pnlS)
	p.TotalWealth, _ = decimal.NewFromString(wealthS)
	p.Holdings = make(map[string]*model.Holding)

	byID := map[string]*model.Portfolio{p.ParticipantID: &p}
	if err := s.loadPositions(ctx, byID, participantID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context) ([]*model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, cash_balance::TEXT, realized_pnl::TEXT, total_wealth::TEXT, updated_at
		 FROM portfolios ORDER BY participant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Portfolio
	byID := make(map[string]*model.Portfolio)
	for rows.Next() {
		p := &model.Portfolio{Holdings: make(map[string]*model.Holding)}
		var cashS, pnlS, wealthS string
		if err := rows.Scan(&p.ParticipantID, &cashS, &pnlS, &wealthS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.CashBalance, _ = decimal.NewFromString(cashS)
		p.RealizedPnL, _ = decimal.NewFromString(pnlS)
		p.TotalWealth, _ = decimal.NewFromString(wealthS)
		out = append(out, p)
		byID[p.ParticipantID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadPositions(ctx, byID, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// loadPositions fills holdings and short positions. An empty participantID
// loads every participant.
func (s *PostgresStore) loadPositions(ctx context.Context, byID map[string]*model.Portfolio, participantID string) error {
	hrows, err := s.pool.Query(ctx,
		`SELECT participant_id, instrument, quantity::TEXT, average_cost::TEXT
		 FROM holdings WHERE $1 = '' OR participant_id = $1`, participantID)
	if err != nil {
		return fmt.Errorf("load holdings: %w", err)
	}
	for hrows.Next() {
		var pid string
		var h model.Holding
		var qtyS, costS string
		if err := hrows.Scan(&pid, &h.Instrument, &qtyS, &costS); err != nil {
			hrows.Close()
			return err
		}
		h.Quantity, _ = decimal.NewFromString(qtyS)
		h.AverageCost, _ = decimal.NewFromString(costS)
		if p, ok := byID[pid]; ok {
			p.Holdings[h.Instrument] = &h
		}
	}
	hrows.Close()
	if err := hrows.Err(); err != nil {
		return err
	}

	srows, err := s.pool.Query(ctx,
		`SELECT id, participant_id, instrument, quantity::TEXT, average_short_price::TEXT,
		        active, opened_at, closed_at
		 FROM short_positions WHERE $1 = '' OR participant_id = $1
		 ORDER BY opened_at`, participantID)
	if err != nil {
		return fmt.Errorf("load short positions: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var pid string
		var sp model.ShortPosition
		var qtyS, priceS string
		if err := srows.Scan(&sp.ID, &pid, &sp.Instrument, &qtyS, &priceS,
			&sp.Active, &sp.OpenedAt, &sp.ClosedAt); err != nil {
			return err
		}
		sp.Quantity, _ = decimal.NewFromString(qtyS)
		sp.AverageShortPrice, _ = decimal.NewFromString(priceS)
		if p, ok := byID[pid]; ok {
			p.ShortPositions = append(p.ShortPositions, &sp)
		}
	}
	return srows.Err()
}

func (s *PostgresStore) Commit(ctx context.Context, portfolios []*model.Portfolio, trades []*model.Trade) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range portfolios {
			if err := writePortfolio(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, t := range trades {
			if _, err := tx.Exec(ctx,
				`INSERT INTO trades (id, session_id, participant_id, instrument, side,
				                     quantity, price, total_amount, realized_pnl, system, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
				t.ID, t.SessionID, t.ParticipantID, t.Instrument, string(t.Side),
				t.Quantity.String(), t.Price.String(), t.TotalAmount.String(), t.RealizedPnL.String(),
				t.System, t.Timestamp,
			); err != nil {
				return fmt.Errorf("insert trade %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ResetSession(ctx context.Context, portfolios []*model.Portfolio) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM trades`,
			`DELETE FROM short_positions`,
			`DELETE FROM holdings`,
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("reset session: %w", err)
			}
		}
		for _, p := range portfolios {
			if err := writePortfolio(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// writePortfolio upserts the portfolio row, replaces its holdings and
// upserts every short position record (inactive ones are kept).
func writePortfolio(ctx context.Context, tx pgx.Tx, p *model.Portfolio) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO portfolios (participant_id, cash_balance, realized_pnl, total_wealth, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (participant_id) DO UPDATE
		 SET cash_balance = EXCLUDED.cash_balance,
		     realized_pnl = EXCLUDED.realized_pnl,
		     total_wealth = EXCLUDED.total_wealth,
		     updated_at   = EXCLUDED.updated_at`,
		p.ParticipantID, p.CashBalance.String(), p.RealizedPnL.String(), p.TotalWealth.String(), updatedAt,
	); err != nil {
		return fmt.Errorf("upsert portfolio %s: %w", p.ParticipantID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM holdings WHERE participant_id = $1`, p.ParticipantID); err != nil {
		return fmt.Errorf("clear holdings %s: %w", p.ParticipantID, err)
	}
	for _, h := range p.Holdings {
		if _, err := tx.Exec(ctx,
			`INSERT INTO holdings (participant_id, instrument, quantity, average_cost)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)`,
			p.ParticipantID, h.Instrument, h.Quantity.String(), h.AverageCost.String(),
		); err != nil {
			return fmt.Errorf("insert holding %s/%s: %w", p.ParticipantID, h.Instrument, err)
		}
	}

	for _, sp := range p.ShortPositions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO short_positions (id, participant_id, instrument, quantity,
			                              average_short_price, active, opened_at, closed_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE
			 SET quantity = EXCLUDED.quantity,
			     average_short_price = EXCLUDED.average_short_price,
			     active = EXCLUDED.active,
			     closed_at = EXCLUDED.closed_at`,
			sp.ID, p.ParticipantID, sp.Instrument, sp.Quantity.String(),
			sp.AverageShortPrice.String(), sp.Active, sp.OpenedAt, sp.ClosedAt,
		); err != nil {
			return fmt.Errorf("upsert short position %s: %w", sp.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, participantID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, participant_id, instrument, side,
		        quantity::TEXT, price::TEXT, total_amount::TEXT, realized_pnl::TEXT, system, timestamp
		 FROM trades WHERE participant_id = $1 ORDER BY timestamp, id`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// pgxRows is the subset of pgx.Rows used by scanTrades.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qtyS, priceS, totalS, pnlS string

		if err := rows.Scan(&t.ID, &t.SessionID, &t.ParticipantID, &t.Instrument, &side,
			&qtyS, &priceS, &totalS, &pnlS, &t.System, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.TotalAmount, _ = decimal.NewFromString(totalS)
		t.RealizedPnL, _ = decimal.NewFromString(pnlS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
