package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Default values for optional configuration fields.
const (
	DefaultPort              = "8080"
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultSpeed             = 60.0
	DefaultTickInterval      = time.Second
	DefaultCacheCapacity     = 10000
	DefaultCandleCapacity    = 2000
	DefaultSweepInterval     = 60 * time.Second
	DefaultPressureInterval  = 10 * time.Second
	DefaultMemoryThresholdMB = 512
	DefaultBurst             = 5
	DefaultMailboxSize       = 256
	DefaultCacheTTL          = 30 * time.Second
)

// DefaultInitialCapital is the cash every participant starts a session with.
var DefaultInitialCapital = decimal.NewFromInt(1_000_000)

// DefaultTimeframes are the candle timeframes aggregated during replay.
var DefaultTimeframes = []string{"1m", "5m", "15m", "1h"}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Contest.InitialCapital.IsZero() {
		c.Contest.InitialCapital = DefaultInitialCapital
	}
	if c.Contest.Speed == 0 {
		c.Contest.Speed = DefaultSpeed
	}
	if c.Contest.TickInterval == 0 {
		c.Contest.TickInterval = DefaultTickInterval
	}
	if len(c.Contest.Timeframes) == 0 {
		c.Contest.Timeframes = DefaultTimeframes
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = DefaultCacheCapacity
	}
	if c.Cache.CandleCapacity == 0 {
		c.Cache.CandleCapacity = DefaultCandleCapacity
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = DefaultSweepInterval
	}
	if c.Cache.PressureInterval == 0 {
		c.Cache.PressureInterval = DefaultPressureInterval
	}
	if c.Cache.MemoryThresholdMB == 0 {
		c.Cache.MemoryThresholdMB = DefaultMemoryThresholdMB
	}
	if c.Risk.Burst == 0 {
		c.Risk.Burst = DefaultBurst
	}
	if c.Hub.MailboxSize == 0 {
		c.Hub.MailboxSize = DefaultMailboxSize
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
}
