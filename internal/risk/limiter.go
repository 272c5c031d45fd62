// Package risk implements pre-trade checks applied by the ledger before an
// order mutates a portfolio.
//
// Two limits are enforced:
//   - a per-instrument notional cap on each side (long holding value and
//     short exposure, measured at the execution price)
//   - a per-participant order rate, using a token bucket so short bursts
//     are tolerated
//
// Orders that reduce exposure (sell, cover) are never blocked by the cap.
package risk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/contest-engine/internal/model"
)

var (
	// ErrPositionLimitExceeded is returned when a trade would push the
	// notional value of a position on one instrument beyond the cap.
	ErrPositionLimitExceeded = errors.New("risk: position limit exceeded")

	// ErrRateLimited is returned when a participant submits orders faster
	// than the configured rate.
	ErrRateLimited = errors.New("risk: order rate limit exceeded")
)

// PositionLimiter enforces position and order-rate limits.
type PositionLimiter struct {
	// MaxPositionValue is the maximum notional of one side of a position on
	// a single instrument. Zero disables the cap.
	MaxPositionValue decimal.Decimal

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPositionLimiter creates a limiter. ordersPerSecond <= 0 disables
// throttling.
func NewPositionLimiter(maxPositionValue decimal.Decimal, ordersPerSecond float64, burst int) *PositionLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &PositionLimiter{
		MaxPositionValue: maxPositionValue,
		limit:            rate.Inf,
		burst:            burst,
		limiters:         make(map[string]*rate.Limiter),
	}
	if ordersPerSecond > 0 {
		l.limit = rate.Limit(ordersPerSecond)
	}
	return l
}

// Check validates a pending order against p, which must not be mutated.
func (l *PositionLimiter) Check(p *model.Portfolio, instrument string, side model.Side, qty, price decimal.Decimal) error {
	if !l.allow(p.ParticipantID) {
		return ErrRateLimited
	}

	var current decimal.Decimal
	switch side {
	case model.SideBuy:
		if h := p.Holdings[instrument]; h != nil {
			current = h.Quantity
		}
	case model.SideShort:
		if s := p.ActiveShort(instrument); s != nil {
			current = s.Quantity
		}
	default:
		return nil
	}
	return l.CheckLimit(current, qty, price)
}

// CheckLimit validates whether adding delta units to a position of current
// units, valued at price, stays within MaxPositionValue.
func (l *PositionLimiter) CheckLimit(current, delta, price decimal.Decimal) error {
	if l.MaxPositionValue.IsZero() {
		return nil
	}
	notional := current.Add(delta).Abs().Mul(price)
	if notional.GreaterThan(l.MaxPositionValue) {
		return fmt.Errorf("%w: notional %s exceeds %s",
			ErrPositionLimitExceeded, notional.StringFixed(2), l.MaxPositionValue.StringFixed(2))
	}
	return nil
}

// Reset forgets every participant's token bucket.
func (l *PositionLimiter) Reset() {
	l.mu.Lock()
	l.limiters = make(map[string]*rate.Limiter)
	l.mu.Unlock()
}

func (l *PositionLimiter) allow(participantID string) bool {
	if l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[participantID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[participantID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
