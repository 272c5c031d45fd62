package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/instrument"
)

// Column names produced by the market data recorder.
const (
	colTimestamp = "timestamp"
	colSymbol    = "symbol"
	colLastPrice = "last_traded_price"
	colVolume    = "volume_traded"
	colOpen      = "open_price"
	colHigh      = "high_price"
	colLow       = "low_price"
	colClose     = "close_price"
)

var requiredColumns = []string{colTimestamp, colSymbol, colLastPrice}

// LoadCSVFile loads a dataset from a recorder CSV export.
func LoadCSVFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return LoadCSV(f)
}

// LoadCSV reads a header-prefixed CSV. Rows with an unparseable timestamp,
// symbol or non-positive last price are skipped and counted.
func LoadCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read dataset header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("dataset: missing column %q", c)
		}
	}

	series := make(map[string][]Row)
	var line, skipped int
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read dataset line %d: %w", line+1, err)
		}
		field := func(name string) string {
			i, ok := idx[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		symbol, err := instrument.NormalizeSymbol(field(colSymbol))
		if err != nil {
			skipped++
			continue
		}
		ts, err := ParseTimestamp(field(colTimestamp))
		if err != nil {
			skipped++
			continue
		}
		last, err := decimal.NewFromString(field(colLastPrice))
		if err != nil || !last.IsPositive() {
			skipped++
			continue
		}

		row := Row{
			Timestamp: ts,
			LastPrice: last,
			Volume:    parseOr(field(colVolume), decimal.Zero),
			Open:      parseOr(field(colOpen), last),
			High:      parseOr(field(colHigh), last),
			Low:       parseOr(field(colLow), last),
			Close:     parseOr(field(colClose), last),
		}
		series[symbol] = append(series[symbol], row)
	}

	if skipped > 0 {
		slog.Warn("dataset rows skipped", "skipped", skipped, "total", line)
	}
	return New(series)
}

func parseOr(s string, fallback decimal.Decimal) decimal.Decimal {
	if s == "" {
		return fallback
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return v
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"02-01-2006 15:04:05",
	"2006/01/02 15:04:05",
}

// ParseTimestamp accepts the timestamp formats seen in recorder exports:
// date-time strings with optional fractional seconds and zone, and unix
// epoch numbers in seconds or milliseconds (including scientific notation).
// Zone-less values are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return time.Time{}, errors.New("dataset: empty timestamp")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		n := int64(f)
		switch {
		case n > 1e17: // nanoseconds
			return time.Unix(0, n).UTC(), nil
		case n > 1e14: // microseconds
			return time.UnixMicro(n).UTC(), nil
		case n > 1e11: // milliseconds
			return time.UnixMilli(n).UTC(), nil
		default:
			return time.Unix(n, 0).UTC(), nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("dataset: unrecognized timestamp %q", s)
}
