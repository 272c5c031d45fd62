package contest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/contest-engine/internal/contest"
	"github.com/atmx/contest-engine/internal/dataset"
	"github.com/atmx/contest-engine/internal/ledger"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/replay"
	"github.com/atmx/contest-engine/internal/settlement"
	"github.com/atmx/contest-engine/internal/store"
	"github.com/atmx/contest-engine/internal/tickcache"
)

var (
	t0      = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)
	capital = decimal.NewFromInt(1_000_000)
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) HasSubscribers(string) bool { return false }

func (r *recorder) lifecycle() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if _, ok := e.Data.(model.LifecycleData); ok {
			out = append(out, e.Type)
		}
	}
	return out
}

// stalledClock never lets the loop advance; tests drive virtual time with
// Dispatcher.Advance.
type stalledClock struct{}

func (stalledClock) Now() time.Time { return t0 }

func (stalledClock) Sleep(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

// fastClock advances instantly.
type fastClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fastClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fastClock) Sleep(ctx context.Context, dur time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
	return nil
}

type env struct {
	lc         *contest.Lifecycle
	dispatcher *replay.Dispatcher
	cache      *tickcache.Cache
	pub        *recorder
}

func series(start int64, step int64) []dataset.Row {
	var rows []dataset.Row
	for i := int64(0); i <= 6; i++ {
		rows = append(rows, dataset.Row{
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Second),
			LastPrice: d(start + i*step),
		})
	}
	return rows
}

func newEnv(t *testing.T, clock replay.Clock) *env {
	t.Helper()
	ds, err := dataset.New(map[string][]dataset.Row{
		"RELIANCE": series(2500, -20), // 2500 → 2380
		"TCS":      series(3000, 20),  // 3000 → 3120
	})
	require.NoError(t, err)

	pub := &recorder{}
	cache := tickcache.New(100, tickcache.NewAggregator([]time.Duration{time.Minute}, 100))
	disp := replay.New(ds, cache, pub, replay.Config{Speed: 10, TickInterval: time.Second}).WithClock(clock)
	l := ledger.New(store.NewMemoryStore(), cache, ledger.Options{InitialCapital: capital})
	engine := settlement.NewEngine(l, cache, false)

	lc := contest.New(context.Background(), disp, l, engine, cache, pub)
	t.Cleanup(lc.Close)
	return &env{lc: lc, dispatcher: disp, cache: cache, pub: pub}
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, stalledClock{})

	_, err := e.lc.Pause(ctx)
	assert.ErrorIs(t, err, contest.ErrInvalidTransition)
	assert.ErrorContains(t, err, "not running")

	_, err = e.lc.Resume(ctx)
	assert.ErrorContains(t, err, "not paused")

	_, err = e.lc.Stop(ctx)
	assert.ErrorContains(t, err, "not running")

	_, err = e.lc.Start(ctx)
	require.NoError(t, err)

	_, err = e.lc.Start(ctx)
	assert.ErrorContains(t, err, "already running")
	_, err = e.lc.Resume(ctx)
	assert.ErrorContains(t, err, "already running")

	_, err = e.lc.Pause(ctx)
	require.NoError(t, err)
	_, err = e.lc.Pause(ctx)
	assert.ErrorContains(t, err, "already paused")

	assert.Equal(t, model.PhasePaused, e.lc.State().Phase)
}

func TestLifecycle_FullSessionSettlesShorts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, stalledClock{})

	st, err := e.lc.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseRunning, st.Phase)
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, 60*time.Second, st.TotalVirtualTime)

	_, err = e.lc.SubmitTrade(ctx, "alice", "RELIANCE", model.SideShort, d(100))
	require.NoError(t, err)
	_, err = e.lc.SubmitTrade(ctx, "alice", "TCS", model.SideShort, d(50))
	require.NoError(t, err)

	e.dispatcher.Advance(50 * time.Second) // RELIANCE 2400 (+10,000), TCS 3100 (-5,000)
	assert.InDelta(t, 83.33, e.lc.State().Progress, 0.01)

	res, err := e.lc.Stop(ctx)
	require.NoError(t, err)
	require.Len(t, res.Leaderboard, 1)
	assert.True(t, res.Leaderboard[0].TotalWealth.Equal(capital.Add(d(5_000))))

	state := e.lc.State()
	assert.Equal(t, model.PhaseIdle, state.Phase)
	assert.Equal(t, res.Leaderboard, e.lc.Results())

	_, err = e.lc.SubmitTrade(ctx, "alice", "TCS", model.SideBuy, d(1))
	assert.ErrorIs(t, err, ledger.ErrSessionNotRunning)

	assert.Equal(t, []string{
		model.EventSessionStarted,
		model.EventSessionStopped,
	}, e.pub.lifecycle())
}

func TestLifecycle_PauseRejectsTrades(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, stalledClock{})
	_, err := e.lc.Start(ctx)
	require.NoError(t, err)

	_, err = e.lc.Pause(ctx)
	require.NoError(t, err)
	_, err = e.lc.SubmitTrade(ctx, "bob", "TCS", model.SideBuy, d(1))
	assert.ErrorIs(t, err, ledger.ErrSessionNotRunning)

	_, err = e.lc.Resume(ctx)
	require.NoError(t, err)
	_, err = e.lc.SubmitTrade(ctx, "bob", "TCS", model.SideBuy, d(1))
	assert.NoError(t, err)
}

func TestLifecycle_StartResetsPortfolios(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, stalledClock{})

	_, err := e.lc.Start(ctx)
	require.NoError(t, err)
	_, err = e.lc.SubmitTrade(ctx, "carol", "TCS", model.SideBuy, d(100))
	require.NoError(t, err)
	_, err = e.lc.Stop(ctx)
	require.NoError(t, err)

	_, err = e.lc.Start(ctx)
	require.NoError(t, err)

	p, err := e.lc.Portfolio("carol")
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(capital))
	assert.True(t, p.TotalWealth.Equal(capital))
	assert.Empty(t, p.Holdings)
	trades, err := e.lc.Trades(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, time.Duration(0), e.lc.State().VirtualTime)
}

func TestLifecycle_UnknownInstrument(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, stalledClock{})
	_, err := e.lc.Start(ctx)
	require.NoError(t, err)

	_, err = e.lc.SubmitTrade(ctx, "dave", "NOPE", model.SideBuy, d(1))
	assert.ErrorIs(t, err, contest.ErrUnknownInstrument)
}

func TestLifecycle_FailedSettlementIsRetryable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, stalledClock{})
	_, err := e.lc.Start(ctx)
	require.NoError(t, err)
	_, err = e.lc.SubmitTrade(ctx, "erin", "TCS", model.SideShort, d(10))
	require.NoError(t, err)

	e.cache.Reset() // lose every last price
	_, err = e.lc.Stop(ctx)
	require.ErrorIs(t, err, settlement.ErrMissingPrice)
	assert.Equal(t, model.PhaseRunning, e.lc.State().Phase)

	_, err = e.lc.SubmitTrade(ctx, "erin", "TCS", model.SideCover, d(10))
	assert.ErrorIs(t, err, ledger.ErrSessionNotRunning)

	e.dispatcher.Advance(10 * time.Second)
	_, err = e.lc.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseIdle, e.lc.State().Phase)
}

func TestLifecycle_DataExhaustedStopsSession(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &fastClock{now: t0})

	_, err := e.lc.Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.lc.State().Phase == model.PhaseIdle
	}, 5*time.Second, 5*time.Millisecond)

	assert.NotNil(t, e.lc.Results())
	assert.Equal(t, 100.0, e.lc.State().Progress)
	assert.Contains(t, e.pub.lifecycle(), model.EventSessionStopped)
}

func TestLifecycle_SetSpeed(t *testing.T) {
	e := newEnv(t, stalledClock{})
	require.NoError(t, e.lc.SetSpeed(120))
	assert.Equal(t, 120.0, e.lc.State().SpeedMultiplier)
	assert.Error(t, e.lc.SetSpeed(0))
}
