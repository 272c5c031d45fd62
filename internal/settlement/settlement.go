// Package settlement squares off open positions when a session ends and
// produces the final leaderboard.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/atmx/contest-engine/internal/leaderboard"
	"github.com/atmx/contest-engine/internal/ledger"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
)

// ErrMissingPrice is returned when an open position's instrument has no last
// price. The run applies nothing and may be retried.
var ErrMissingPrice = errors.New("settlement: missing last price")

// Engine performs end-of-session auto square-off.
type Engine struct {
	ledger         *ledger.Ledger
	prices         ledger.PriceSource
	liquidateLongs bool
}

// NewEngine creates a settlement engine. When liquidateLongs is set, long
// holdings are sold at the last price as well as shorts being covered.
func NewEngine(l *ledger.Ledger, prices ledger.PriceSource, liquidateLongs bool) *Engine {
	return &Engine{ledger: l, prices: prices, liquidateLongs: liquidateLongs}
}

// Result summarises one settlement run.
type Result struct {
	Trades      []model.Trade            `json:"trades"`
	Leaderboard []model.LeaderboardEntry `json:"leaderboard"`
	Duration    time.Duration            `json:"duration"`
}

// Settle covers every active short (and optionally sells every holding) at
// the last known price, all participants in one atomic write. Running it on
// an already settled ledger changes nothing.
func (e *Engine) Settle(ctx context.Context) (*Result, error) {
	start := time.Now()
	var squared []*model.Trade

	err := e.ledger.Exclusive(ctx, func(portfolios []*model.Portfolio) ([]*model.Trade, error) {
		now := time.Now().UTC()
		var trades []*model.Trade
		for _, p := range portfolios {
			pt, err := e.squareOff(p, now)
			if err != nil {
				return nil, fmt.Errorf("participant %s: %w", p.ParticipantID, err)
			}
			trades = append(trades, pt...)
		}
		squared = trades
		return trades, nil
	})
	if err != nil {
		slog.Error("settlement failed", "err", err)
		return nil, err
	}

	elapsed := time.Since(start)
	metrics.SettlementDuration.Observe(elapsed.Seconds())
	metrics.SquareOffTrades.Add(float64(len(squared)))

	res := &Result{
		Trades:      make([]model.Trade, 0, len(squared)),
		Leaderboard: leaderboard.Rank(e.ledger.Portfolios(), e.ledger.InitialCapital(), 0),
		Duration:    elapsed,
	}
	for _, t := range squared {
		res.Trades = append(res.Trades, *t)
	}
	slog.Info("settlement complete",
		"square_off_trades", len(squared),
		"participants", len(res.Leaderboard),
		"duration", elapsed,
	)
	return res, nil
}

func (e *Engine) squareOff(p *model.Portfolio, at time.Time) ([]*model.Trade, error) {
	var trades []*model.Trade

	for _, s := range p.ShortPositions {
		if !s.Active {
			continue
		}
		price, ok := e.prices.LastPrice(s.Instrument)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingPrice, s.Instrument)
		}
		t, err := ledger.Apply(p, model.SideCover, s.Instrument, s.Quantity, price, at, false)
		if err != nil {
			return nil, err
		}
		t.System = true
		trades = append(trades, t)
	}

	if !e.liquidateLongs {
		return trades, nil
	}

	instruments := make([]string, 0, len(p.Holdings))
	for instrument := range p.Holdings {
		instruments = append(instruments, instrument)
	}
	sort.Strings(instruments)
	for _, instrument := range instruments {
		price, ok := e.prices.LastPrice(instrument)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingPrice, instrument)
		}
		t, err := ledger.Apply(p, model.SideSell, instrument, p.Holdings[instrument].Quantity, price, at, false)
		if err != nil {
			return nil, err
		}
		t.System = true
		trades = append(trades, t)
	}
	return trades, nil
}
