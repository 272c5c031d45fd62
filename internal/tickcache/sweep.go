package tickcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/atmx/contest-engine/internal/metrics"
)

// MemoryProbe reports the process memory footprint in bytes.
type MemoryProbe func() (uint64, error)

// ProcessRSS returns a probe reading this process's resident set size.
func ProcessRSS() (MemoryProbe, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("tickcache: open process: %w", err)
	}
	return func() (uint64, error) {
		info, err := p.MemoryInfo()
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}, nil
}

// SweepConfig controls the background eviction loops.
type SweepConfig struct {
	Interval         time.Duration // periodic sweep, e.g. 60s
	PressureInterval time.Duration // how often the memory probe is read
	MemoryThreshold  uint64        // bytes; zero disables the reactive sweep
	Probe            MemoryProbe
}

// Sweep trims every buffer above 80% of capacity down to 50%. It is a
// no-op while a reactive pressure sweep is running. Returns the number of
// evicted ticks.
func (c *Cache) Sweep() int {
	if c.relieving.Load() {
		return 0
	}
	high := int(float64(c.capacity) * sweepHighWatermark)
	n := c.trimAll(high, int(float64(c.capacity)*sweepTarget))
	c.candles.trim(sweepHighWatermark, sweepTarget)
	countEvictions("sweep", n)
	return n
}

// RelievePressure trims every buffer down to 30% of capacity. Overlapping
// calls are rejected: only one pressure sweep runs at a time. Returns the
// number of evicted ticks and whether this call performed the sweep.
func (c *Cache) RelievePressure() (int, bool) {
	if !c.relieving.CompareAndSwap(false, true) {
		return 0, false
	}
	defer c.relieving.Store(false)

	n := c.trimAll(0, int(float64(c.capacity)*pressureTarget))
	c.candles.trim(0, pressureTarget)
	countEvictions("pressure", n)
	return n, true
}

// CheckPressure reads the probe and runs the reactive sweep when usage is
// above threshold.
func (c *Cache) CheckPressure(probe MemoryProbe, threshold uint64) (int, error) {
	if probe == nil || threshold == 0 {
		return 0, nil
	}
	used, err := probe()
	if err != nil {
		return 0, err
	}
	if used <= threshold {
		return 0, nil
	}
	n, ran := c.RelievePressure()
	if ran {
		slog.Warn("memory pressure sweep",
			"used_mb", used/1024/1024,
			"threshold_mb", threshold/1024/1024,
			"evicted", n,
		)
	}
	return n, nil
}

// trimAll trims, one buffer at a time, every buffer longer than above down
// to keep. Buffers are locked individually so ingestion on other
// instruments is never held up by a sweep.
func (c *Cache) trimAll(above, keep int) int {
	c.mu.RLock()
	bufs := make([]*buffer, 0, len(c.buffers))
	for _, b := range c.buffers {
		bufs = append(bufs, b)
	}
	c.mu.RUnlock()

	total := 0
	for _, b := range bufs {
		b.mu.Lock()
		if len(b.ticks) > above {
			total += b.trimTo(keep, c.capacity)
		}
		b.mu.Unlock()
	}
	return total
}

// Run drives the periodic and reactive sweeps until ctx is done.
func (c *Cache) Run(ctx context.Context, cfg SweepConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	sweep := time.NewTicker(cfg.Interval)
	defer sweep.Stop()

	var pressure <-chan time.Time
	if cfg.Probe != nil && cfg.MemoryThreshold > 0 && cfg.PressureInterval > 0 {
		t := time.NewTicker(cfg.PressureInterval)
		defer t.Stop()
		pressure = t.C
	}

	slog.Info("tick cache sweeper started",
		"interval", cfg.Interval.String(),
		"pressure_interval", cfg.PressureInterval.String(),
		"threshold_mb", cfg.MemoryThreshold/1024/1024,
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("periodic cache sweep", "evicted", n)
			}
		case <-pressure:
			// Run off the loop so a slow probe never delays the periodic sweep.
			go func() {
				if _, err := c.CheckPressure(cfg.Probe, cfg.MemoryThreshold); err != nil {
					slog.Warn("memory probe failed", "err", err)
				}
			}()
		}
	}
}

func countEvictions(trigger string, n int) {
	if n > 0 {
		metrics.CacheEvictions.WithLabelValues(trigger).Add(float64(n))
	}
}
