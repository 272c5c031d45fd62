package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), 0, 1)

	if err := limiter.CheckLimit(decimal.Zero, d(10), d(100)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_Exceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), 0, 1)

	// Existing 95 units + new 10 units at 100 = 10,500 > 10,000.
	err := limiter.CheckLimit(d(95), d(10), d(100))
	if !errors.Is(err, ErrPositionLimitExceeded) {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ZeroDisablesCap(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, 0, 1)

	if err := limiter.CheckLimit(d(1e6), d(1e6), d(1e6)); err != nil {
		t.Errorf("expected no error with cap disabled, got %v", err)
	}
}

func TestCheck_ShortCountsExistingShort(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), 0, 1)
	p := model.NewPortfolio("u1", d(1e6))
	p.ShortPositions = append(p.ShortPositions, &model.ShortPosition{
		Instrument: "INFY", Quantity: d(90), Active: true,
	})

	if err := limiter.Check(p, "INFY", model.SideShort, d(20), d(100)); !errors.Is(err, ErrPositionLimitExceeded) {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
	// A long on the same instrument is a separate side.
	if err := limiter.Check(p, "INFY", model.SideBuy, d(20), d(100)); err != nil {
		t.Errorf("expected buy to pass, got %v", err)
	}
}

func TestCheck_ReducingOrdersNeverCapped(t *testing.T) {
	limiter := NewPositionLimiter(d(1), 0, 1)
	p := model.NewPortfolio("u1", d(1e6))

	for _, side := range []model.Side{model.SideSell, model.SideCover} {
		if err := limiter.Check(p, "INFY", side, d(1000), d(1000)); err != nil {
			t.Errorf("%s: expected no error, got %v", side, err)
		}
	}
}

func TestCheck_RateLimited(t *testing.T) {
	// One order per hour with a burst of two: the third immediate order fails.
	limiter := NewPositionLimiter(decimal.Zero, 1.0/3600, 2)
	p := model.NewPortfolio("u1", d(1e6))

	for i := 0; i < 2; i++ {
		if err := limiter.Check(p, "INFY", model.SideBuy, d(1), d(1)); err != nil {
			t.Fatalf("order %d: unexpected error %v", i, err)
		}
	}
	if err := limiter.Check(p, "INFY", model.SideBuy, d(1), d(1)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	// Other participants have their own bucket.
	other := model.NewPortfolio("u2", d(1e6))
	if err := limiter.Check(other, "INFY", model.SideBuy, d(1), d(1)); err != nil {
		t.Errorf("expected other participant to pass, got %v", err)
	}

	limiter.Reset()
	if err := limiter.Check(p, "INFY", model.SideBuy, d(1), d(1)); err != nil {
		t.Errorf("expected reset to refill bucket, got %v", err)
	}
}
