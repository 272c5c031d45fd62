// Package replay maps a historical dataset onto a compressed virtual clock
// and pushes the rows into the tick cache as the clock advances.
//
// Every row whose timestamp falls at or before the current virtual time has
// been dispatched exactly once, in dataset order, regardless of how the
// wall clock jittered between advances. Events for one instrument are
// published in non-decreasing virtual time.
package replay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/contest-engine/internal/dataset"
	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/tickcache"
)

// ErrDataExhausted is returned by Run once the virtual clock has reached the
// end of the dataset.
var ErrDataExhausted = errors.New("replay: data exhausted")

// Publisher fans events out to observers. Publish must not block.
type Publisher interface {
	Publish(event model.Event)
	HasSubscribers(instrument string) bool
}

// Config controls the replay speed.
type Config struct {
	Speed        float64       // virtual seconds per wall second
	TickInterval time.Duration // wall time between clock advances
}

// Dispatcher drives the virtual clock. Only one Run loop may be active.
type Dispatcher struct {
	data     *dataset.Dataset
	cache    *tickcache.Cache
	pub      Publisher
	clock    Clock
	interval time.Duration

	mu          sync.Mutex
	speed       float64
	virtualTime time.Duration
	cursors     map[string]int
}

// New creates a dispatcher positioned at virtual time 0.
func New(data *dataset.Dataset, cache *tickcache.Cache, pub Publisher, cfg Config) *Dispatcher {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Dispatcher{
		data:     data,
		cache:    cache,
		pub:      pub,
		clock:    realClock{},
		interval: cfg.TickInterval,
		speed:    cfg.Speed,
		cursors:  make(map[string]int),
	}
}

// WithClock swaps the clock implementation.
func (d *Dispatcher) WithClock(clock Clock) *Dispatcher {
	if clock != nil {
		d.clock = clock
	}
	return d
}

// Instruments returns the replayed instruments.
func (d *Dispatcher) Instruments() []string { return d.data.Instruments() }

// HasInstrument reports whether the dataset contains instrument.
func (d *Dispatcher) HasInstrument(instrument string) bool { return d.data.Has(instrument) }

// TotalVirtualTime is the span of the dataset.
func (d *Dispatcher) TotalVirtualTime() time.Duration { return d.data.Duration() }

// VirtualTime returns the current virtual clock position.
func (d *Dispatcher) VirtualTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.virtualTime
}

// Progress returns virtualTime / totalVirtualTime × 100, clamped to [0, 100].
func (d *Dispatcher) Progress() float64 {
	return progress(d.VirtualTime(), d.TotalVirtualTime())
}

func progress(vt, total time.Duration) float64 {
	if total <= 0 {
		if vt > 0 {
			return 100
		}
		return 0
	}
	return min(max(float64(vt)/float64(total)*100, 0), 100)
}

// Speed returns the speed multiplier.
func (d *Dispatcher) Speed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

// SetSpeed changes the speed multiplier; it applies from the next advance.
func (d *Dispatcher) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	d.mu.Lock()
	d.speed = speed
	d.mu.Unlock()
}

// Reset rewinds the virtual clock to 0. The caller resets the cache.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.virtualTime = 0
	d.cursors = make(map[string]int)
	d.mu.Unlock()
	metrics.VirtualTimeSeconds.Set(0)
}

// Run advances the virtual clock every tick interval by speed × elapsed
// wall time until ctx is cancelled or the dataset is exhausted.
func (d *Dispatcher) Run(ctx context.Context) error {
	last := d.clock.Now()
	for {
		if err := d.clock.Sleep(ctx, d.interval); err != nil {
			return err
		}
		now := d.clock.Now()
		elapsed := now.Sub(last)
		last = now

		if d.Advance(time.Duration(float64(elapsed) * d.Speed())) {
			slog.Info("replay reached end of dataset", "virtual_time", d.VirtualTime())
			return ErrDataExhausted
		}
	}
}

// Advance moves the virtual clock forward by delta, capped at the end of
// the dataset, dispatching every row that became due. It reports whether
// the end of the dataset has been reached.
func (d *Dispatcher) Advance(delta time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := d.data.Duration()
	vt := min(d.virtualTime+max(delta, 0), total)

	for _, instr := range d.data.Instruments() {
		d.dispatch(instr, vt)
	}
	d.virtualTime = vt
	metrics.VirtualTimeSeconds.Set(vt.Seconds())

	d.pub.Publish(model.Event{
		Type: model.EventSnapshot,
		Data: model.SnapshotData{
			VirtualTime:      vt,
			TotalVirtualTime: total,
			Progress:         progress(vt, total),
			Prices:           d.cache.Prices(),
		},
	})
	return vt >= total
}

// dispatch must be called with mu held.
func (d *Dispatcher) dispatch(instr string, vt time.Duration) {
	from := d.cursors[instr]
	to := d.data.CountAt(instr, vt)
	if to <= from {
		return
	}
	subscribed := d.pub.HasSubscribers(instr)

	type latest struct {
		update tickcache.CandleUpdate
		isNew  bool
	}
	var candles map[time.Duration]*latest
	if subscribed {
		candles = make(map[time.Duration]*latest)
	}

	for _, row := range d.data.Rows(instr, from, to) {
		tick := d.toTick(instr, row)
		updates := d.cache.Ingest(tick)
		if !subscribed {
			continue
		}

		d.pub.Publish(model.Event{
			Type:       model.EventTick,
			Instrument: instr,
			Data: model.TickData{
				Instrument:  instr,
				Price:       tick.LastPrice,
				Volume:      tick.Volume,
				OHLC:        model.OHLC{Open: tick.Open, High: tick.High, Low: tick.Low, Close: tick.Close},
				VirtualTime: tick.VirtualTime,
				Timestamp:   tick.Timestamp,
			},
		})
		for _, u := range updates {
			if u.Closed != nil {
				d.publishCandle(*u.Closed, false)
			}
			l, ok := candles[u.Candle.Timeframe]
			if !ok {
				l = &latest{}
				candles[u.Candle.Timeframe] = l
			}
			l.update = u
			l.isNew = l.isNew || u.IsNew
		}
	}
	// One update per open candle per advance keeps the event rate bounded.
	for _, tf := range d.cache.Candles().Timeframes() {
		if l, ok := candles[tf]; ok {
			d.publishCandle(l.update.Candle, l.isNew)
		}
	}

	metrics.TicksDispatched.Add(float64(to - from))
	d.cursors[instr] = to
}

func (d *Dispatcher) publishCandle(c model.Candle, isNew bool) {
	d.pub.Publish(model.Event{
		Type:       model.EventCandle,
		Instrument: c.Instrument,
		Data: model.CandleData{
			Instrument: c.Instrument,
			Timeframe:  instrument.Label(c.Timeframe),
			Candle:     c,
			IsNew:      isNew,
		},
	})
}

func (d *Dispatcher) toTick(instr string, row dataset.Row) model.Tick {
	return model.Tick{
		Instrument:  instr,
		Timestamp:   row.Timestamp,
		VirtualTime: d.data.VirtualTimeOf(row.Timestamp),
		LastPrice:   row.LastPrice,
		Volume:      row.Volume,
		Open:        row.Open,
		High:        row.High,
		Low:         row.Low,
		Close:       row.Close,
	}
}

// History returns every tick dispatched so far for instrument, from virtual
// time 0, read from the dataset rather than the bounded cache.
func (d *Dispatcher) History(instr string) []model.Tick {
	d.mu.Lock()
	n := d.cursors[instr]
	d.mu.Unlock()

	rows := d.data.Rows(instr, 0, n)
	out := make([]model.Tick, len(rows))
	for i, row := range rows {
		out[i] = d.toTick(instr, row)
	}
	return out
}
