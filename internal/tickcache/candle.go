package tickcache

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// CandleUpdate describes the effect of one tick on one timeframe.
type CandleUpdate struct {
	Candle model.Candle  // the open candle after the tick
	Closed *model.Candle // candle closed by this tick, if any
	IsNew  bool          // the tick opened a new bucket
}

// Aggregator folds ticks into OHLCV candles per (instrument, timeframe).
// Exactly one candle per series is open; closed candles are immutable and
// kept in a bounded history.
type Aggregator struct {
	timeframes []time.Duration
	capacity   int

	mu     sync.RWMutex
	series map[seriesKey]*series
}

type seriesKey struct {
	instrument string
	timeframe  time.Duration
}

type series struct {
	open       *model.Candle
	closed     []model.Candle
	lastVolume decimal.Decimal
	hasVolume  bool
}

// NewAggregator creates an aggregator for the given timeframes keeping at
// most capacity closed candles per series.
func NewAggregator(timeframes []time.Duration, capacity int) *Aggregator {
	if capacity < 10 {
		capacity = 10
	}
	tfs := make([]time.Duration, len(timeframes))
	copy(tfs, timeframes)
	return &Aggregator{
		timeframes: tfs,
		capacity:   capacity,
		series:     make(map[seriesKey]*series),
	}
}

// Timeframes returns the configured timeframes.
func (a *Aggregator) Timeframes() []time.Duration {
	out := make([]time.Duration, len(a.timeframes))
	copy(out, a.timeframes)
	return out
}

// Record folds tick into every configured timeframe.
func (a *Aggregator) Record(tick model.Tick) []CandleUpdate {
	if len(a.timeframes) == 0 {
		return nil
	}
	out := make([]CandleUpdate, 0, len(a.timeframes))
	for _, tf := range a.timeframes {
		out = append(out, a.RecordCandle(tick.Instrument, tf, tick))
	}
	return out
}

// RecordCandle extends the open candle when tick falls in its bucket, or
// closes it and opens a new one. A tick older than the open bucket is
// folded into the open candle: closed candles are never mutated.
//
// Tick volume is the day's cumulative volume, so a candle's volume is the
// growth of that counter inside the bucket. A drop in the counter means a
// new trading day and the tick's volume is taken as-is.
func (a *Aggregator) RecordCandle(instrument string, timeframe time.Duration, tick model.Tick) CandleUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := seriesKey{instrument: instrument, timeframe: timeframe}
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}

	delta := decimal.Zero
	if s.hasVolume {
		if tick.Volume.GreaterThanOrEqual(s.lastVolume) {
			delta = tick.Volume.Sub(s.lastVolume)
		} else {
			delta = tick.Volume
		}
	}
	s.lastVolume = tick.Volume
	s.hasVolume = true

	bucket := tick.Timestamp.Truncate(timeframe)
	price := tick.LastPrice

	var update CandleUpdate
	if s.open == nil || bucket.After(s.open.BucketStart) {
		if s.open != nil {
			closed := *s.open
			closed.Closed = true
			s.closed = append(s.closed, closed)
			if len(s.closed) > a.capacity {
				drop := max(1, int(float64(a.capacity)*overflowDropFraction))
				s.closed = append([]model.Candle(nil), s.closed[drop:]...)
			}
			update.Closed = &closed
		}
		s.open = &model.Candle{
			Instrument:  instrument,
			Timeframe:   timeframe,
			BucketStart: bucket,
			Open:        price,
			High:        price,
			Low:         price,
			Close:       price,
			Volume:      delta,
		}
		update.IsNew = true
	} else {
		c := s.open
		if price.GreaterThan(c.High) {
			c.High = price
		}
		if price.LessThan(c.Low) {
			c.Low = price
		}
		c.Close = price
		c.Volume = c.Volume.Add(delta)
	}
	update.Candle = *s.open
	return update
}

// Candles returns up to limit of the most recent candles for the series,
// oldest first, ending with the open candle. limit <= 0 returns all.
func (a *Aggregator) Candles(instrument string, timeframe time.Duration, limit int) []model.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.series[seriesKey{instrument: instrument, timeframe: timeframe}]
	if !ok {
		return nil
	}
	out := make([]model.Candle, 0, len(s.closed)+1)
	out = append(out, s.closed...)
	if s.open != nil {
		out = append(out, *s.open)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Current returns the open candle of a series.
func (a *Aggregator) Current(instrument string, timeframe time.Duration) (model.Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[seriesKey{instrument: instrument, timeframe: timeframe}]
	if !ok || s.open == nil {
		return model.Candle{}, false
	}
	return *s.open, true
}

// Instruments returns instruments with at least one candle, sorted.
func (a *Aggregator) Instruments() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[string]bool)
	for k := range a.series {
		seen[k.instrument] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reset drops every series.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.series = make(map[seriesKey]*series)
	a.mu.Unlock()
}

// trim shortens closed-candle histories longer than above×capacity down to
// keep×capacity. Open candles are never touched.
func (a *Aggregator) trim(above, keep float64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := int(float64(a.capacity) * above)
	target := int(float64(a.capacity) * keep)
	total := 0
	for _, s := range a.series {
		if len(s.closed) > limit && len(s.closed) > target {
			n := len(s.closed) - target
			s.closed = append([]model.Candle(nil), s.closed[n:]...)
			total += n
		}
	}
	return total
}
