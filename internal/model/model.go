// Package model defines the core domain types shared across the contest engine.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one historical market data row replayed at a virtual time.
// Immutable once emitted.
type Tick struct {
	Instrument  string          `json:"instrument"`
	Timestamp   time.Time       `json:"timestamp"`    // original exchange time of the row
	VirtualTime time.Duration   `json:"virtual_time"` // offset from session start
	LastPrice   decimal.Decimal `json:"last_price"`
	Volume      decimal.Decimal `json:"volume"` // cumulative traded volume for the trading day
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
}

// Candle is an OHLCV bar for one instrument and timeframe.
// Exactly one open candle exists per (instrument, timeframe); closed ones are immutable.
type Candle struct {
	Instrument  string          `json:"instrument"`
	Timeframe   time.Duration   `json:"timeframe"`
	BucketStart time.Time       `json:"time"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	Closed      bool            `json:"closed"`
}

// Holding is a long position. It exists only while Quantity > 0.
type Holding struct {
	Instrument  string          `json:"instrument"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// ShortPosition is a short-sold position. Inactive records are kept as
// history and never deleted.
type ShortPosition struct {
	ID                string          `json:"id"`
	Instrument        string          `json:"instrument"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageShortPrice decimal.Decimal `json:"average_short_price"`
	Active            bool            `json:"active"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
}

// Portfolio is one participant's ledger.
//
// TotalWealth is CashBalance + Σ(holding.Quantity × lastPrice).
// Short exposure is reported in ShortValue and never added to TotalWealth.
type Portfolio struct {
	ParticipantID  string              `json:"participant_id"`
	CashBalance    decimal.Decimal     `json:"cash_balance"`
	Holdings       map[string]*Holding `json:"holdings"`
	ShortPositions []*ShortPosition    `json:"short_positions"`
	RealizedPnL    decimal.Decimal     `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal     `json:"unrealized_pnl"`
	MarketValue    decimal.Decimal     `json:"market_value"`
	ShortValue     decimal.Decimal     `json:"short_value"`
	TotalWealth    decimal.Decimal     `json:"total_wealth"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// NewPortfolio returns a fresh portfolio funded with initialCapital.
func NewPortfolio(participantID string, initialCapital decimal.Decimal) *Portfolio {
	return &Portfolio{
		ParticipantID: participantID,
		CashBalance:   initialCapital,
		Holdings:      make(map[string]*Holding),
		TotalWealth:   initialCapital,
		UpdatedAt:     time.Now().UTC(),
	}
}

// ActiveShort returns the active short on instrument, or nil.
func (p *Portfolio) ActiveShort(instrument string) *ShortPosition {
	for _, s := range p.ShortPositions {
		if s.Active && s.Instrument == instrument {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate it without touching the original.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Holdings = make(map[string]*Holding, len(p.Holdings))
	for k, h := range p.Holdings {
		hc := *h
		c.Holdings[k] = &hc
	}
	c.ShortPositions = make([]*ShortPosition, 0, len(p.ShortPositions))
	for _, s := range p.ShortPositions {
		sc := *s
		if s.ClosedAt != nil {
			t := *s.ClosedAt
			sc.ClosedAt = &t
		}
		c.ShortPositions = append(c.ShortPositions, &sc)
	}
	return &c
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy   Side = "buy"
	SideSell  Side = "sell"
	SideShort Side = "short"
	SideCover Side = "cover"
)

// Valid reports whether s is one of the four supported sides.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideShort, SideCover:
		return true
	}
	return false
}

// Trade is an immutable audit record of an executed order, including
// system-generated square-off trades.
type Trade struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	ParticipantID string          `json:"participant_id"`
	Instrument    string          `json:"instrument"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	System        bool            `json:"system"` // generated by settlement
	Timestamp     time.Time       `json:"timestamp"`
}

// Phase is the contest lifecycle phase.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhasePaused  Phase = "paused"
	PhaseStopped Phase = "stopped"
)

// ContestState is the externally visible session state.
type ContestState struct {
	Phase            Phase         `json:"phase"`
	SessionID        string        `json:"session_id,omitempty"`
	VirtualTime      time.Duration `json:"virtual_time"`
	TotalVirtualTime time.Duration `json:"total_virtual_time"`
	Progress         float64       `json:"progress"`
	SpeedMultiplier  float64       `json:"speed"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	Instruments      []string      `json:"instruments"`
}

// LeaderboardEntry is derived on demand and never persisted as source of truth.
type LeaderboardEntry struct {
	Rank          int             `json:"rank"`
	ParticipantID string          `json:"participant_id"`
	TotalWealth   decimal.Decimal `json:"total_wealth"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	ReturnPct     decimal.Decimal `json:"return_pct"`
}
