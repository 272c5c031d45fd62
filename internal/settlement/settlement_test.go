package settlement_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/contest-engine/internal/ledger"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/settlement"
	"github.com/atmx/contest-engine/internal/store"
)

var capital = decimal.NewFromInt(1_000_000)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type prices struct {
	mu sync.Mutex
	m  map[string]decimal.Decimal
}

func (p *prices) set(instrument string, v int64) {
	p.mu.Lock()
	p.m[instrument] = d(v)
	p.mu.Unlock()
}

func (p *prices) unset(instrument string) {
	p.mu.Lock()
	delete(p.m, instrument)
	p.mu.Unlock()
}

func (p *prices) LastPrice(instrument string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[instrument]
	return v, ok
}

type env struct {
	ledger *ledger.Ledger
	store  *store.MemoryStore
	prices *prices
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	px := &prices{m: make(map[string]decimal.Decimal)}
	l := ledger.New(ms, px, ledger.Options{InitialCapital: capital})
	require.NoError(t, l.Reset(context.Background(), "s1"))
	l.Open()
	return &env{ledger: l, store: ms, prices: px}
}

func (e *env) trade(t *testing.T, who, instrument string, side model.Side, qty int64) {
	t.Helper()
	_, err := e.ledger.Execute(context.Background(), who, instrument, side, d(qty))
	require.NoError(t, err)
}

func TestSettle_MultiShort(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.prices.set("RELIANCE", 2500)
	e.prices.set("TCS", 3000)
	e.trade(t, "alice", "RELIANCE", model.SideShort, 100)
	e.trade(t, "alice", "TCS", model.SideShort, 50)

	e.prices.set("RELIANCE", 2400) // +10,000
	e.prices.set("TCS", 3100)      // -5,000
	e.ledger.Halt()

	res, err := settlement.NewEngine(e.ledger, e.prices, false).Settle(ctx)
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	for _, tr := range res.Trades {
		assert.True(t, tr.System)
		assert.Equal(t, model.SideCover, tr.Side)
	}

	p, err := e.ledger.Portfolio("alice")
	require.NoError(t, err)
	assert.True(t, p.RealizedPnL.Equal(d(5_000)))
	assert.True(t, p.TotalWealth.Equal(capital.Add(d(5_000))))
	assert.True(t, p.ShortValue.IsZero())
	assert.True(t, p.UnrealizedPnL.IsZero())
	assert.Nil(t, p.ActiveShort("RELIANCE"))
	assert.Nil(t, p.ActiveShort("TCS"))

	require.Len(t, res.Leaderboard, 1)
	assert.True(t, res.Leaderboard[0].TotalPnL.Equal(d(5_000)))
	assert.True(t, res.Leaderboard[0].ReturnPct.Equal(decimal.RequireFromString("0.5")))

	trades, _ := e.store.ListTrades(ctx, "alice")
	assert.Len(t, trades, 4)
}

func TestSettle_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.prices.set("TCS", 3000)
	e.trade(t, "bob", "TCS", model.SideShort, 10)
	e.prices.set("TCS", 2900)
	e.ledger.Halt()

	engine := settlement.NewEngine(e.ledger, e.prices, false)
	_, err := engine.Settle(ctx)
	require.NoError(t, err)
	first, _ := e.ledger.Portfolio("bob")

	e.prices.set("TCS", 1) // a second run must not touch anything
	res, err := engine.Settle(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)

	second, _ := e.ledger.Portfolio("bob")
	assert.True(t, first.CashBalance.Equal(second.CashBalance))
	assert.True(t, first.RealizedPnL.Equal(second.RealizedPnL))
	trades, _ := e.store.ListTrades(ctx, "bob")
	assert.Len(t, trades, 2)
}

func TestSettle_MissingPriceAppliesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.prices.set("AAA", 100)
	e.prices.set("ZZZ", 100)
	e.trade(t, "amy", "AAA", model.SideShort, 10)
	e.trade(t, "zed", "ZZZ", model.SideShort, 10)
	e.ledger.Halt()

	e.prices.unset("ZZZ")
	engine := settlement.NewEngine(e.ledger, e.prices, false)
	_, err := engine.Settle(ctx)
	require.ErrorIs(t, err, settlement.ErrMissingPrice)

	// amy was processed before zed failed; her short must still be open.
	amy, _ := e.ledger.Portfolio("amy")
	assert.NotNil(t, amy.ActiveShort("AAA"))

	e.prices.set("ZZZ", 90)
	res, err := engine.Settle(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Trades, 2)
}

func TestSettle_LongsKeptByDefault(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.prices.set("INFY", 100)
	e.trade(t, "cat", "INFY", model.SideBuy, 10)
	e.prices.set("INFY", 120)
	e.ledger.Halt()

	res, err := settlement.NewEngine(e.ledger, e.prices, false).Settle(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)

	p, _ := e.ledger.Portfolio("cat")
	assert.True(t, p.Holdings["INFY"].Quantity.Equal(d(10)))
	assert.True(t, p.TotalWealth.Equal(capital.Add(d(200))))
}

func TestSettle_LiquidateLongs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.prices.set("INFY", 100)
	e.trade(t, "cat", "INFY", model.SideBuy, 10)
	e.prices.set("INFY", 120)
	e.ledger.Halt()

	res, err := settlement.NewEngine(e.ledger, e.prices, true).Settle(ctx)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.SideSell, res.Trades[0].Side)

	p, _ := e.ledger.Portfolio("cat")
	assert.Empty(t, p.Holdings)
	assert.True(t, p.CashBalance.Equal(capital.Add(d(200))))
	assert.True(t, p.TotalWealth.Equal(p.CashBalance))
	assert.True(t, p.RealizedPnL.Equal(d(200)))
}
