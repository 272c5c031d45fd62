// Package ledger maintains every participant's portfolio and executes trades
// against the latest replayed prices.
//
// Each participant's portfolio is owned by one account guarded by its own
// mutex, so orders for different participants run in parallel. A mutation
// is applied to a clone, committed to the store together with its trade in
// a single write, and only then swapped in: a failed commit leaves the
// in-memory portfolio untouched.
//
// Settlement and session reset take the ledger-wide gate exclusively, which
// waits for in-flight orders and blocks new ones until they finish.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/store"
)

var (
	ErrInsufficientFunds    = errors.New("ledger: insufficient funds")
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")
	ErrNoActiveShort        = errors.New("ledger: no active short position")
	ErrShortExists          = errors.New("ledger: active short position already exists")
	ErrSessionNotRunning    = errors.New("ledger: session not running")
	ErrInvalidQuantity      = errors.New("ledger: quantity must be positive")
	ErrNoPrice              = errors.New("ledger: no price for instrument")
	ErrUnknownSide          = errors.New("ledger: unknown trade side")
	ErrUnknownParticipant   = errors.New("ledger: unknown participant")
)

// PriceSource provides the last known price of an instrument.
type PriceSource interface {
	LastPrice(instrument string) (decimal.Decimal, bool)
}

// Guard is a pre-trade check. It runs with the participant's account locked
// and must not mutate p.
type Guard interface {
	Check(p *model.Portfolio, instrument string, side model.Side, qty, price decimal.Decimal) error
}

// Options configures a Ledger.
type Options struct {
	InitialCapital decimal.Decimal
	MergeShorts    bool  // merge a second short into the active one instead of rejecting it
	Guard          Guard // optional
}

// Ledger is the set of participant portfolios for the current session.
type Ledger struct {
	store          store.Store
	prices         PriceSource
	initialCapital decimal.Decimal
	mergeShorts    bool
	guard          Guard

	// gate is held shared by orders and exclusively by Exclusive and Reset.
	gate sync.RWMutex
	open atomic.Bool

	mu        sync.Mutex
	accounts  map[string]*account
	sessionID string
}

type account struct {
	mu sync.Mutex
	p  *model.Portfolio
}

// New creates a ledger. Trading is closed until Open is called.
func New(st store.Store, prices PriceSource, opts Options) *Ledger {
	return &Ledger{
		store:          st,
		prices:         prices,
		initialCapital: opts.InitialCapital,
		mergeShorts:    opts.MergeShorts,
		guard:          opts.Guard,
		accounts:       make(map[string]*account),
	}
}

// InitialCapital is the cash each portfolio starts a session with.
func (l *Ledger) InitialCapital() decimal.Decimal { return l.initialCapital }

// Open enables trading.
func (l *Ledger) Open() { l.open.Store(true) }

// Halt disables trading. Orders already past the gate complete.
func (l *Ledger) Halt() { l.open.Store(false) }

// IsOpen reports whether orders are accepted.
func (l *Ledger) IsOpen() bool { return l.open.Load() }

// SessionID returns the session new trades are recorded under.
func (l *Ledger) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// Hydrate loads persisted portfolios into memory. Call once before serving.
func (l *Ledger) Hydrate(ctx context.Context) error {
	portfolios, err := l.store.ListPortfolios(ctx)
	if err != nil {
		return fmt.Errorf("hydrate ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range portfolios {
		if p.Holdings == nil {
			p.Holdings = make(map[string]*model.Holding)
		}
		Revalue(p, l.prices)
		l.accounts[p.ParticipantID] = &account{p: p}
	}
	slog.Info("ledger hydrated", "participants", len(portfolios))
	return nil
}

// Join registers a participant, creating a portfolio funded with the
// initial capital on first call. Joining again returns the existing one.
func (l *Ledger) Join(ctx context.Context, participantID string) (*model.Portfolio, error) {
	acct, err := l.account(ctx, participantID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return l.snapshot(acct.p), nil
}

func (l *Ledger) account(ctx context.Context, participantID string) (*account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, ok := l.accounts[participantID]; ok {
		return acct, nil
	}
	p := model.NewPortfolio(participantID, l.initialCapital)
	if err := l.store.Commit(ctx, []*model.Portfolio{p}, nil); err != nil {
		return nil, fmt.Errorf("create portfolio %s: %w", participantID, err)
	}
	acct := &account{p: p}
	l.accounts[participantID] = acct
	slog.Info("participant joined", "participant", participantID)
	return acct, nil
}

// Result is the outcome of an executed order.
type Result struct {
	Trade     model.Trade      `json:"trade"`
	Portfolio *model.Portfolio `json:"portfolio"`
}

// Execute applies one order for a participant at the instrument's last
// price. On any error the portfolio and trade history are unchanged.
func (l *Ledger) Execute(ctx context.Context, participantID, instrument string, side model.Side, qty decimal.Decimal) (*Result, error) {
	start := time.Now()
	res, err := l.execute(ctx, participantID, instrument, side, qty)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		slog.Warn("trade rejected",
			"participant", participantID,
			"instrument", instrument,
			"side", side,
			"quantity", qty.String(),
			"err", err,
		)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	slog.Info("trade executed",
		"trade_id", res.Trade.ID,
		"participant", participantID,
		"instrument", instrument,
		"side", side,
		"quantity", qty.String(),
		"price", res.Trade.Price.String(),
		"realized_pnl", res.Trade.RealizedPnL.String(),
	)
	return res, nil
}

func (l *Ledger) execute(ctx context.Context, participantID, instrument string, side model.Side, qty decimal.Decimal) (*Result, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	l.gate.RLock()
	defer l.gate.RUnlock()

	if !l.open.Load() {
		return nil, ErrSessionNotRunning
	}
	price, ok := l.prices.LastPrice(instrument)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, instrument)
	}

	acct, err := l.account(ctx, participantID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if l.guard != nil {
		if err := l.guard.Check(acct.p, instrument, side, qty, price); err != nil {
			return nil, err
		}
	}

	next := acct.p.Clone()
	trade, err := Apply(next, side, instrument, qty, price, time.Now().UTC(), l.mergeShorts)
	if err != nil {
		return nil, err
	}
	Revalue(next, l.prices)
	trade.ID = uuid.New().String()
	trade.SessionID = l.SessionID()

	if err := l.store.Commit(ctx, []*model.Portfolio{next}, []*model.Trade{trade}); err != nil {
		return nil, fmt.Errorf("commit trade: %w", err)
	}
	acct.p = next

	return &Result{Trade: *trade, Portfolio: next.Clone()}, nil
}

// Portfolio returns a participant's portfolio valued at current prices.
func (l *Ledger) Portfolio(participantID string) (*model.Portfolio, error) {
	l.mu.Lock()
	acct, ok := l.accounts[participantID]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	return l.snapshot(acct.p), nil
}

// Portfolios returns every portfolio valued at current prices, ordered by
// participant ID.
func (l *Ledger) Portfolios() []*model.Portfolio {
	accts := l.sortedAccounts()
	out := make([]*model.Portfolio, 0, len(accts))
	for _, acct := range accts {
		acct.mu.Lock()
		out = append(out, l.snapshot(acct.p))
		acct.mu.Unlock()
	}
	return out
}

// Trades returns a participant's trade history for the current session.
func (l *Ledger) Trades(ctx context.Context, participantID string) ([]model.Trade, error) {
	return l.store.ListTrades(ctx, participantID)
}

// Exclusive runs fn over clones of every portfolio while no order can
// execute. The trades fn returns and the modified portfolios are committed
// in one write and then swapped in. If fn or the commit fails, nothing
// changes. If fn returns no trades nothing is written.
func (l *Ledger) Exclusive(ctx context.Context, fn func(portfolios []*model.Portfolio) ([]*model.Trade, error)) error {
	l.gate.Lock()
	defer l.gate.Unlock()

	accts := l.sortedAccounts()
	clones := make([]*model.Portfolio, len(accts))
	for i, acct := range accts {
		acct.mu.Lock()
		clones[i] = acct.p.Clone()
		acct.mu.Unlock()
	}

	trades, err := fn(clones)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		return nil
	}

	sessionID := l.SessionID()
	for _, t := range trades {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.SessionID == "" {
			t.SessionID = sessionID
		}
	}
	for _, p := range clones {
		Revalue(p, l.prices)
	}
	if err := l.store.Commit(ctx, clones, trades); err != nil {
		return fmt.Errorf("commit exclusive batch: %w", err)
	}
	for i, acct := range accts {
		acct.mu.Lock()
		acct.p = clones[i]
		acct.mu.Unlock()
	}
	return nil
}

// Reset starts a new session: every known portfolio returns to the initial
// capital with no holdings, shorts or trade history.
func (l *Ledger) Reset(ctx context.Context, sessionID string) error {
	l.gate.Lock()
	defer l.gate.Unlock()

	accts := l.sortedAccounts()
	fresh := make([]*model.Portfolio, len(accts))
	for i, acct := range accts {
		acct.mu.Lock()
		fresh[i] = model.NewPortfolio(acct.p.ParticipantID, l.initialCapital)
		acct.mu.Unlock()
	}
	if err := l.store.ResetSession(ctx, fresh); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	for i, acct := range accts {
		acct.mu.Lock()
		acct.p = fresh[i]
		acct.mu.Unlock()
	}

	l.mu.Lock()
	l.sessionID = sessionID
	l.mu.Unlock()

	if r, ok := l.guard.(interface{ Reset() }); ok {
		r.Reset()
	}
	slog.Info("ledger reset", "session", sessionID, "participants", len(accts))
	return nil
}

func (l *Ledger) sortedAccounts() []*account {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*account, len(ids))
	for i, id := range ids {
		out[i] = l.accounts[id]
	}
	return out
}

// snapshot must be called with the account locked.
func (l *Ledger) snapshot(p *model.Portfolio) *model.Portfolio {
	c := p.Clone()
	Revalue(c, l.prices)
	return c
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ErrNoActiveShort):
		return "no_active_short"
	case errors.Is(err, ErrShortExists):
		return "short_exists"
	case errors.Is(err, ErrSessionNotRunning):
		return "session_not_running"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrUnknownSide):
		return "invalid_order"
	case errors.Is(err, ErrNoPrice):
		return "no_price"
	default:
		return "other"
	}
}
