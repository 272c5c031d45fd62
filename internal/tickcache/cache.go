// Package tickcache keeps a bounded in-memory history of replayed ticks
// and derived candles per instrument.
//
// Each per-instrument buffer has a hard capacity. When it is reached the
// oldest ~10% is dropped in one batch. A periodic sweep trims buffers above
// 80% of capacity down to 50%, and a reactive sweep triggered by process
// memory pressure trims every buffer down to 30%. Eviction only degrades
// retained history: the latest tick and price of every instrument are kept
// outside the buffers and always survive.
package tickcache

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// Eviction watermarks, as fractions of buffer capacity.
const (
	overflowDropFraction = 0.10
	sweepHighWatermark   = 0.80
	sweepTarget          = 0.50
	pressureTarget       = 0.30
)

// Cache is the per-instrument tick buffer store. Safe for concurrent use.
type Cache struct {
	capacity int
	candles  *Aggregator

	mu      sync.RWMutex
	buffers map[string]*buffer

	// relieving is set while the reactive pressure sweep runs.
	relieving atomic.Bool
}

type buffer struct {
	mu      sync.Mutex
	ticks   []model.Tick
	evicted int // ticks dropped since the buffer was created
	last    model.Tick
	hasLast bool
}

// New creates a cache with the given per-instrument capacity. The candle
// aggregator is owned by the cache and trimmed with it.
func New(capacity int, candles *Aggregator) *Cache {
	if capacity < 10 {
		capacity = 10
	}
	if candles == nil {
		candles = NewAggregator(nil, capacity)
	}
	return &Cache{
		capacity: capacity,
		candles:  candles,
		buffers:  make(map[string]*buffer),
	}
}

// Capacity returns the per-instrument hard capacity.
func (c *Cache) Capacity() int { return c.capacity }

// Candles returns the candle aggregator fed by Ingest.
func (c *Cache) Candles() *Aggregator { return c.candles }

func (c *Cache) buffer(instrument string) *buffer {
	c.mu.RLock()
	b, ok := c.buffers[instrument]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.buffers[instrument]; !ok {
		b = &buffer{ticks: make([]model.Tick, 0, 64)}
		c.buffers[instrument] = b
	}
	return b
}

func (c *Cache) lookup(instrument string) (*buffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buffers[instrument]
	return b, ok
}

// Record appends tick to the instrument's buffer. It never fails; when the
// buffer is full the oldest ~10% is evicted first so the most recent
// capacity-sized window is always retained.
func (c *Cache) Record(instrument string, tick model.Tick) {
	b := c.buffer(instrument)
	b.mu.Lock()
	if len(b.ticks) >= c.capacity {
		drop := int(float64(c.capacity) * overflowDropFraction)
		if drop < 1 {
			drop = 1
		}
		n := b.trimTo(len(b.ticks)-drop, c.capacity)
		countEvictions("overflow", n)
	}
	b.ticks = append(b.ticks, tick)
	b.last = tick
	b.hasLast = true
	b.mu.Unlock()
}

// Ingest records tick and folds it into every configured candle timeframe.
func (c *Cache) Ingest(tick model.Tick) []CandleUpdate {
	c.Record(tick.Instrument, tick)
	return c.candles.Record(tick)
}

// trimTo keeps the newest keep ticks. The retained window is copied into a
// fresh array so evicted ticks can be collected and slices handed out by
// Query stay valid. Returns the number of evicted ticks.
func (b *buffer) trimTo(keep, capacity int) int {
	if keep < 0 {
		keep = 0
	}
	n := len(b.ticks) - keep
	if n <= 0 {
		return 0
	}
	fresh := make([]model.Tick, keep, max(keep, capacity))
	copy(fresh, b.ticks[n:])
	b.ticks = fresh
	b.evicted += n
	return n
}

// Len returns the number of retained ticks for instrument.
func (c *Cache) Len(instrument string) int {
	b, ok := c.lookup(instrument)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks)
}

// Evicted returns how many ticks of instrument have been evicted so far.
func (c *Cache) Evicted(instrument string) int {
	b, ok := c.lookup(instrument)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Latest returns the most recent tick for instrument, even if it has been
// evicted from the history buffer.
func (c *Cache) Latest(instrument string) (model.Tick, bool) {
	b, ok := c.lookup(instrument)
	if !ok {
		return model.Tick{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// LastPrice returns the last known price for instrument.
func (c *Cache) LastPrice(instrument string) (decimal.Decimal, bool) {
	t, ok := c.Latest(instrument)
	if !ok {
		return decimal.Zero, false
	}
	return t.LastPrice, true
}

// Prices returns the last known price of every instrument seen so far.
func (c *Cache) Prices() map[string]decimal.Decimal {
	c.mu.RLock()
	bufs := make(map[string]*buffer, len(c.buffers))
	for k, b := range c.buffers {
		bufs[k] = b
	}
	c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(bufs))
	for k, b := range bufs {
		b.mu.Lock()
		if b.hasLast {
			out[k] = b.last.LastPrice
		}
		b.mu.Unlock()
	}
	return out
}

// Range is an immutable window over a buffer's retained ticks. It is
// finite and may be iterated any number of times.
type Range struct {
	ticks  []model.Tick
	offset int
}

// Len returns the number of ticks in the range.
func (r Range) Len() int { return len(r.ticks) }

// Offset is the absolute sequence number of the first tick, counting
// evicted ticks.
func (r Range) Offset() int { return r.offset }

// At returns the i-th tick of the range.
func (r Range) At(i int) model.Tick { return r.ticks[i] }

// All yields the ticks in order, lazily.
func (r Range) All() iter.Seq2[int, model.Tick] {
	return func(yield func(int, model.Tick) bool) {
		for i, t := range r.ticks {
			if !yield(i, t) {
				return
			}
		}
	}
}

// Slice returns a copy of the range's ticks.
func (r Range) Slice() []model.Tick {
	out := make([]model.Tick, len(r.ticks))
	copy(out, r.ticks)
	return out
}

// Query returns retained ticks [from, to) of instrument. Indices are
// relative to the retained window and clamp instead of failing.
func (c *Cache) Query(instrument string, from, to int) Range {
	b, ok := c.lookup(instrument)
	if !ok {
		return Range{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.ticks)
	from = min(max(from, 0), n)
	to = min(max(to, from), n)
	// Full slice expression: later appends can never write into the window.
	return Range{ticks: b.ticks[from:to:to], offset: b.evicted + from}
}

// Tail returns the newest n retained ticks of instrument.
func (c *Cache) Tail(instrument string, n int) Range {
	size := c.Len(instrument)
	return c.Query(instrument, size-n, size)
}

// Instruments returns every instrument with a buffer.
func (c *Cache) Instruments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.buffers))
	for k := range c.buffers {
		out = append(out, k)
	}
	return out
}

// Reset drops all buffers and candles, used when a new session starts.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.buffers = make(map[string]*buffer)
	c.mu.Unlock()
	c.candles.Reset()
}
