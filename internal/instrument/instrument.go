// Package instrument handles instrument symbol validation and parsing of
// candle timeframe labels.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Supported candle timeframes.
const (
	Timeframe1m  = "1m"
	Timeframe5m  = "5m"
	Timeframe15m = "15m"
	Timeframe1h  = "1h"
)

var timeframes = map[string]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
}

// symbolRegex matches exchange trading symbols such as RELIANCE, M&M,
// BAJAJ-AUTO or NIFTY_50.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9&_.-]{0,31}$`)

var (
	ErrInvalidSymbol    = errors.New("instrument: invalid symbol")
	ErrInvalidTimeframe = errors.New("instrument: unsupported timeframe")
)

// NormalizeSymbol trims and upper-cases a symbol and validates its format.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	// Recorder exports sometimes carry an exchange suffix, e.g. "RELIANCE-EQ".
	s = strings.TrimSuffix(s, "-EQ")
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// ParseTimeframe converts a label ("1m", "5m", "15m", "1h") to a duration.
func ParseTimeframe(label string) (time.Duration, error) {
	d, ok := timeframes[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return 0, fmt.Errorf("%w: %s (expected 1m, 5m, 15m or 1h)", ErrInvalidTimeframe, label)
	}
	return d, nil
}

// ParseTimeframes parses a list of labels, dropping duplicates, sorted ascending.
func ParseTimeframes(labels []string) ([]time.Duration, error) {
	seen := make(map[time.Duration]bool, len(labels))
	var out []time.Duration
	for _, l := range labels {
		d, err := ParseTimeframe(l)
		if err != nil {
			return nil, err
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Label returns the timeframe label for d, falling back to d.String().
func Label(d time.Duration) string {
	for label, v := range timeframes {
		if v == d {
			return label
		}
	}
	return d.String()
}
