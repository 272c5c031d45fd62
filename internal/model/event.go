package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types published to subscribers.
const (
	EventSnapshot       = "snapshot"
	EventTick           = "tick"
	EventCandle         = "candle"
	EventHistorical     = "historical_data"
	EventSessionStarted = "sessionStarted"
	EventSessionPaused  = "sessionPaused"
	EventSessionResumed = "sessionResumed"
	EventSessionStopped = "sessionStopped"
)

// Event is one outbound message. Instrument is empty for market-wide events;
// per-instrument events only reach observers subscribed to Instrument.
type Event struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument,omitempty"`
	Data       any    `json:"data"`
}

// SnapshotData carries every instrument's latest price at one virtual time.
type SnapshotData struct {
	VirtualTime      time.Duration              `json:"virtual_time"`
	TotalVirtualTime time.Duration              `json:"total_virtual_time"`
	Progress         float64                    `json:"progress"`
	Prices           map[string]decimal.Decimal `json:"prices"`
}

// OHLC is the session open/high/low/close carried with a tick.
type OHLC struct {
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// TickData is the per-instrument price event.
type TickData struct {
	Instrument  string          `json:"instrument"`
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	OHLC        OHLC            `json:"ohlc"`
	VirtualTime time.Duration   `json:"virtual_time"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CandleData is published when a candle changes; IsNew marks a freshly opened bucket.
type CandleData struct {
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`
	Candle     Candle `json:"candle"`
	IsNew      bool   `json:"is_new"`
}

// HistoricalData is the catch-up payload sent to an observer joining mid-session.
type HistoricalData struct {
	Instrument string `json:"instrument"`
	Ticks      []Tick `json:"ticks"`
}

// LifecycleData accompanies session lifecycle events.
type LifecycleData struct {
	SessionID    string             `json:"session_id"`
	Phase        Phase              `json:"phase"`
	VirtualTime  time.Duration      `json:"virtual_time"`
	FinalResults []LeaderboardEntry `json:"final_results,omitempty"`
}
