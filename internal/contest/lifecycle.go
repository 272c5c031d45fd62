// Package contest owns the session state machine and exposes the control
// surface used by the API layer.
//
//	Idle ──start──▶ Running ──pause──▶ Paused
//	                   ▲ ◀──resume──────┘
//	Running/Paused ──stop──▶ Stopped (settlement) ──▶ Idle
//
// Invalid transitions are reported as ErrInvalidTransition and change
// nothing.
package contest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/leaderboard"
	"github.com/atmx/contest-engine/internal/ledger"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/replay"
	"github.com/atmx/contest-engine/internal/settlement"
	"github.com/atmx/contest-engine/internal/tickcache"
)

var (
	// ErrInvalidTransition is returned for a lifecycle call from the wrong
	// phase. It is wrapped with the concrete reason.
	ErrInvalidTransition = errors.New("contest: invalid transition")

	// ErrUnknownInstrument is returned for trades on instruments that are
	// not part of the replayed dataset.
	ErrUnknownInstrument = errors.New("contest: unknown instrument")
)

// Lifecycle is the single contest session. Create one per process (or per
// test); all methods are safe for concurrent use.
type Lifecycle struct {
	root       context.Context
	dispatcher *replay.Dispatcher
	ledger     *ledger.Ledger
	settler    *settlement.Engine
	cache      *tickcache.Cache
	pub        replay.Publisher

	mu        sync.Mutex
	phase     model.Phase
	sessionID string
	startedAt *time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	results   []model.LeaderboardEntry
}

// New creates an idle lifecycle. ctx bounds the replay loop and the
// settlement run triggered when the dataset is exhausted.
func New(ctx context.Context, d *replay.Dispatcher, l *ledger.Ledger, s *settlement.Engine, c *tickcache.Cache, pub replay.Publisher) *Lifecycle {
	return &Lifecycle{
		root:       ctx,
		dispatcher: d,
		ledger:     l,
		settler:    s,
		cache:      c,
		pub:        pub,
		phase:      model.PhaseIdle,
	}
}

// Start begins a new session: fresh session ID, every portfolio reset to
// the initial capital, cache cleared and virtual time rewound to 0.
func (lc *Lifecycle) Start(ctx context.Context) (model.ContestState, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	switch lc.phase {
	case model.PhaseRunning:
		return lc.stateLocked(), fmt.Errorf("%w: already running", ErrInvalidTransition)
	case model.PhasePaused:
		return lc.stateLocked(), fmt.Errorf("%w: session paused", ErrInvalidTransition)
	}

	sessionID := uuid.New().String()
	lc.ledger.Halt()
	if err := lc.ledger.Reset(ctx, sessionID); err != nil {
		return lc.stateLocked(), err
	}
	lc.cache.Reset()
	lc.dispatcher.Reset()
	// Prime prices for instruments with a row at virtual time 0.
	exhausted := lc.dispatcher.Advance(0)

	now := time.Now().UTC()
	lc.sessionID = sessionID
	lc.startedAt = &now
	lc.results = nil
	lc.ledger.Open()
	lc.setPhase(model.PhaseRunning)
	lc.startLoop()

	slog.Info("session started",
		"session", sessionID,
		"instruments", len(lc.dispatcher.Instruments()),
		"total_virtual_time", lc.dispatcher.TotalVirtualTime(),
		"speed", lc.dispatcher.Speed(),
	)
	lc.publishLifecycle(model.EventSessionStarted, nil)
	if exhausted {
		slog.Warn("dataset spans no virtual time; session will stop on first tick", "session", sessionID)
	}
	return lc.stateLocked(), nil
}

// Pause freezes the virtual clock and disables trading.
func (lc *Lifecycle) Pause(ctx context.Context) (model.ContestState, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	switch lc.phase {
	case model.PhaseRunning:
	case model.PhasePaused:
		return lc.stateLocked(), fmt.Errorf("%w: already paused", ErrInvalidTransition)
	default:
		return lc.stateLocked(), fmt.Errorf("%w: not running", ErrInvalidTransition)
	}

	lc.ledger.Halt()
	lc.stopLoop()
	lc.setPhase(model.PhasePaused)
	slog.Info("session paused", "session", lc.sessionID, "virtual_time", lc.dispatcher.VirtualTime())
	lc.publishLifecycle(model.EventSessionPaused, nil)
	return lc.stateLocked(), nil
}

// Resume restarts the virtual clock and trading after a pause.
func (lc *Lifecycle) Resume(ctx context.Context) (model.ContestState, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	switch lc.phase {
	case model.PhasePaused:
	case model.PhaseRunning:
		return lc.stateLocked(), fmt.Errorf("%w: already running", ErrInvalidTransition)
	default:
		return lc.stateLocked(), fmt.Errorf("%w: not paused", ErrInvalidTransition)
	}

	lc.ledger.Open()
	lc.setPhase(model.PhaseRunning)
	lc.startLoop()
	slog.Info("session resumed", "session", lc.sessionID, "virtual_time", lc.dispatcher.VirtualTime())
	lc.publishLifecycle(model.EventSessionResumed, nil)
	return lc.stateLocked(), nil
}

// Stop ends the session. Settlement runs before the phase becomes Stopped;
// if it fails, trading stays halted, the phase is unchanged and Stop may be
// retried. On success the lifecycle returns to Idle.
func (lc *Lifecycle) Stop(ctx context.Context) (*settlement.Result, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.phase != model.PhaseRunning && lc.phase != model.PhasePaused {
		return nil, fmt.Errorf("%w: not running", ErrInvalidTransition)
	}
	return lc.stopLocked(ctx)
}

func (lc *Lifecycle) stopLocked(ctx context.Context) (*settlement.Result, error) {
	lc.ledger.Halt()
	lc.stopLoop()

	res, err := lc.settler.Settle(ctx)
	if err != nil {
		return nil, fmt.Errorf("stop session %s: %w", lc.sessionID, err)
	}

	lc.results = res.Leaderboard
	lc.setPhase(model.PhaseStopped)
	slog.Info("session stopped",
		"session", lc.sessionID,
		"virtual_time", lc.dispatcher.VirtualTime(),
		"square_off_trades", len(res.Trades),
	)
	lc.publishLifecycle(model.EventSessionStopped, res.Leaderboard)

	lc.startedAt = nil
	lc.setPhase(model.PhaseIdle)
	return res, nil
}

// startLoop must be called with mu held.
func (lc *Lifecycle) startLoop() {
	ctx, cancel := context.WithCancel(lc.root)
	done := make(chan struct{})
	lc.cancel = cancel
	lc.done = done
	sessionID := lc.sessionID

	go func() {
		err := lc.dispatcher.Run(ctx)
		close(done)

		switch {
		case errors.Is(err, replay.ErrDataExhausted):
			lc.finish(done)
		case err != nil && !errors.Is(err, context.Canceled):
			slog.Error("replay loop failed", "session", sessionID, "err", err)
		}
	}()
}

// stopLoop must be called with mu held. It waits for the loop to exit.
func (lc *Lifecycle) stopLoop() {
	if lc.cancel == nil {
		return
	}
	lc.cancel()
	<-lc.done
	lc.cancel = nil
	lc.done = nil
}

// finish is the implicit stop at the end of the dataset. It is a no-op
// unless the loop identified by done is still the current one.
func (lc *Lifecycle) finish(done chan struct{}) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.done != done || lc.phase != model.PhaseRunning {
		return
	}
	if _, err := lc.stopLocked(lc.root); err != nil {
		slog.Error("automatic stop failed", "session", lc.sessionID, "err", err)
	}
}

// Wait blocks until the current replay loop, if any, has exited.
func (lc *Lifecycle) Wait() {
	lc.mu.Lock()
	done := lc.done
	lc.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops the replay loop without settling. Used on process shutdown.
func (lc *Lifecycle) Close() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.ledger.Halt()
	lc.stopLoop()
}

func (lc *Lifecycle) setPhase(p model.Phase) {
	lc.phase = p
	metrics.SessionTransitions.WithLabelValues(string(p)).Inc()
}

func (lc *Lifecycle) publishLifecycle(typ string, results []model.LeaderboardEntry) {
	lc.pub.Publish(model.Event{
		Type: typ,
		Data: model.LifecycleData{
			SessionID:    lc.sessionID,
			Phase:        lc.phase,
			VirtualTime:  lc.dispatcher.VirtualTime(),
			FinalResults: results,
		},
	})
}

// State returns the externally visible session state.
func (lc *Lifecycle) State() model.ContestState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.stateLocked()
}

func (lc *Lifecycle) stateLocked() model.ContestState {
	return model.ContestState{
		Phase:            lc.phase,
		SessionID:        lc.sessionID,
		VirtualTime:      lc.dispatcher.VirtualTime(),
		TotalVirtualTime: lc.dispatcher.TotalVirtualTime(),
		Progress:         lc.dispatcher.Progress(),
		SpeedMultiplier:  lc.dispatcher.Speed(),
		StartedAt:        lc.startedAt,
		Instruments:      lc.dispatcher.Instruments(),
	}
}

// SetSpeed changes the replay speed multiplier.
func (lc *Lifecycle) SetSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("contest: speed must be positive, got %v", speed)
	}
	lc.dispatcher.SetSpeed(speed)
	slog.Info("replay speed changed", "speed", speed)
	return nil
}

// SubmitTrade executes an order for a participant at the latest price.
func (lc *Lifecycle) SubmitTrade(ctx context.Context, participantID, instrument string, side model.Side, qty decimal.Decimal) (*ledger.Result, error) {
	if !lc.dispatcher.HasInstrument(instrument) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return lc.ledger.Execute(ctx, participantID, instrument, side, qty)
}

// Join registers a participant.
func (lc *Lifecycle) Join(ctx context.Context, participantID string) (*model.Portfolio, error) {
	return lc.ledger.Join(ctx, participantID)
}

// Portfolio returns a participant's portfolio valued at current prices.
func (lc *Lifecycle) Portfolio(participantID string) (*model.Portfolio, error) {
	return lc.ledger.Portfolio(participantID)
}

// Trades returns a participant's trades for the current session.
func (lc *Lifecycle) Trades(ctx context.Context, participantID string) ([]model.Trade, error) {
	return lc.ledger.Trades(ctx, participantID)
}

// Leaderboard ranks every participant at current prices. limit <= 0
// returns all entries.
func (lc *Lifecycle) Leaderboard(limit int) []model.LeaderboardEntry {
	return leaderboard.Rank(lc.ledger.Portfolios(), lc.ledger.InitialCapital(), limit)
}

// Results returns the final leaderboard of the last stopped session.
func (lc *Lifecycle) Results() []model.LeaderboardEntry {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.results
}

// History returns every tick of instrument replayed so far this session.
func (lc *Lifecycle) History(instrument string) []model.Tick {
	return lc.dispatcher.History(instrument)
}
