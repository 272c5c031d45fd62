// Package dataset holds the read-only historical tick dataset replayed
// during a contest session. Rows are ordered by timestamp per instrument
// and never modified after loading.
package dataset

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrEmptyDataset is returned when no usable rows were loaded.
var ErrEmptyDataset = errors.New("dataset: no rows loaded")

// Row is one historical market data row for an instrument.
type Row struct {
	Timestamp time.Time
	LastPrice decimal.Decimal
	Volume    decimal.Decimal
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
}

// Dataset is an immutable set of per-instrument time-ordered rows. The
// session's virtual time 0 maps to the earliest timestamp across all
// instruments.
type Dataset struct {
	series      map[string][]Row
	instruments []string
	start       time.Time
	end         time.Time
}

// New builds a Dataset, stably sorting each instrument's rows by timestamp.
// Instruments without rows are dropped.
func New(series map[string][]Row) (*Dataset, error) {
	d := &Dataset{series: make(map[string][]Row, len(series))}
	for instrument, rows := range series {
		if len(rows) == 0 {
			continue
		}
		sorted := make([]Row, len(rows))
		copy(sorted, rows)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		d.series[instrument] = sorted
		d.instruments = append(d.instruments, instrument)

		first, last := sorted[0].Timestamp, sorted[len(sorted)-1].Timestamp
		if d.start.IsZero() || first.Before(d.start) {
			d.start = first
		}
		if last.After(d.end) {
			d.end = last
		}
	}
	if len(d.instruments) == 0 {
		return nil, ErrEmptyDataset
	}
	sort.Strings(d.instruments)
	return d, nil
}

// Instruments returns the roster, sorted.
func (d *Dataset) Instruments() []string {
	out := make([]string, len(d.instruments))
	copy(out, d.instruments)
	return out
}

// Has reports whether instrument is in the roster.
func (d *Dataset) Has(instrument string) bool {
	_, ok := d.series[instrument]
	return ok
}

// Start is the timestamp mapped to virtual time 0.
func (d *Dataset) Start() time.Time { return d.start }

// Duration is the total virtual time the dataset covers.
func (d *Dataset) Duration() time.Duration { return d.end.Sub(d.start) }

// Len returns the number of rows for instrument.
func (d *Dataset) Len(instrument string) int { return len(d.series[instrument]) }

// Row returns the i-th row of instrument.
func (d *Dataset) Row(instrument string, i int) Row { return d.series[instrument][i] }

// Rows returns rows [from, to) of instrument, clamped to the valid range.
// The returned slice must not be modified.
func (d *Dataset) Rows(instrument string, from, to int) []Row {
	rows := d.series[instrument]
	if from < 0 {
		from = 0
	}
	if to > len(rows) {
		to = len(rows)
	}
	if from >= to {
		return nil
	}
	return rows[from:to:to]
}

// CountAt returns how many rows of instrument are valid at virtual time vt,
// i.e. rows with Timestamp <= Start()+vt.
func (d *Dataset) CountAt(instrument string, vt time.Duration) int {
	rows := d.series[instrument]
	cutoff := d.start.Add(vt)
	return sort.Search(len(rows), func(i int) bool {
		return rows[i].Timestamp.After(cutoff)
	})
}

// VirtualTimeOf maps an absolute timestamp onto the session's virtual clock.
func (d *Dataset) VirtualTimeOf(ts time.Time) time.Duration { return ts.Sub(d.start) }
