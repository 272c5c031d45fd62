package instrument

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeSymbol_Valid(t *testing.T) {
	tests := map[string]string{
		"RELIANCE":    "RELIANCE",
		" tcs ":       "TCS",
		"M&M":         "M&M",
		"BAJAJ-AUTO":  "BAJAJ-AUTO",
		"RELIANCE-EQ": "RELIANCE",
		"nifty_50":    "NIFTY_50",
	}
	for in, want := range tests {
		got, err := NormalizeSymbol(in)
		if err != nil {
			t.Errorf("NormalizeSymbol(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeSymbol_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "-ABC", "HAS SPACE", "WAY_TOO_LONG_SYMBOL_NAME_FOR_ANY_EXCHANGE"} {
		if _, err := NormalizeSymbol(in); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("NormalizeSymbol(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}

func TestParseTimeframe(t *testing.T) {
	d, err := ParseTimeframe("15m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 15*time.Minute {
		t.Errorf("expected 15m, got %v", d)
	}
	if _, err := ParseTimeframe("2m"); !errors.Is(err, ErrInvalidTimeframe) {
		t.Errorf("expected ErrInvalidTimeframe, got %v", err)
	}
}

func TestParseTimeframes_DedupAndSort(t *testing.T) {
	got, err := ParseTimeframes([]string{"1h", "1m", "1m", "5m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Duration{time.Minute, 5 * time.Minute, time.Hour}
	if len(got) != len(want) {
		t.Fatalf("expected %d timeframes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if Label(5*time.Minute) != "5m" {
		t.Errorf("expected label 5m, got %s", Label(5*time.Minute))
	}
}
