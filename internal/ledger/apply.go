package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// Apply executes one order against p in place and returns the resulting
// trade record (without ID or session). On error p is left unchanged.
//
// Short proceeds are credited to cash and paid back on cover; they never
// enter MarketValue.
func Apply(p *model.Portfolio, side model.Side, instrument string, qty, price decimal.Decimal, at time.Time, mergeShorts bool) (*model.Trade, error) {
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	notional := qty.Mul(price)
	pnl := decimal.Zero

	switch side {
	case model.SideBuy:
		if p.CashBalance.LessThan(notional) {
			return nil, fmt.Errorf("%w: need %s, have %s",
				ErrInsufficientFunds, notional.StringFixed(2), p.CashBalance.StringFixed(2))
		}
		h := p.Holdings[instrument]
		if h == nil {
			h = &model.Holding{Instrument: instrument}
			p.Holdings[instrument] = h
		}
		// Weighted average cost.
		newQty := h.Quantity.Add(qty)
		h.AverageCost = h.Quantity.Mul(h.AverageCost).Add(notional).Div(newQty)
		h.Quantity = newQty
		p.CashBalance = p.CashBalance.Sub(notional)

	case model.SideSell:
		h := p.Holdings[instrument]
		if h == nil || h.Quantity.LessThan(qty) {
			held := decimal.Zero
			if h != nil {
				held = h.Quantity
			}
			return nil, fmt.Errorf("%w: hold %s %s, selling %s",
				ErrInsufficientHoldings, held, instrument, qty)
		}
		pnl = price.Sub(h.AverageCost).Mul(qty)
		h.Quantity = h.Quantity.Sub(qty)
		if h.Quantity.IsZero() {
			delete(p.Holdings, instrument)
		}
		p.CashBalance = p.CashBalance.Add(notional)
		p.RealizedPnL = p.RealizedPnL.Add(pnl)

	case model.SideShort:
		if s := p.ActiveShort(instrument); s != nil {
			if !mergeShorts {
				return nil, fmt.Errorf("%w: %s", ErrShortExists, instrument)
			}
			newQty := s.Quantity.Add(qty)
			s.AverageShortPrice = s.Quantity.Mul(s.AverageShortPrice).Add(notional).Div(newQty)
			s.Quantity = newQty
		} else {
			p.ShortPositions = append(p.ShortPositions, &model.ShortPosition{
				ID:                uuid.New().String(),
				Instrument:        instrument,
				Quantity:          qty,
				AverageShortPrice: price,
				Active:            true,
				OpenedAt:          at,
			})
		}
		p.CashBalance = p.CashBalance.Add(notional)

	case model.SideCover:
		s := p.ActiveShort(instrument)
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoActiveShort, instrument)
		}
		if s.Quantity.LessThan(qty) {
			return nil, fmt.Errorf("%w: short %s %s, covering %s",
				ErrNoActiveShort, s.Quantity, instrument, qty)
		}
		pnl = s.AverageShortPrice.Sub(price).Mul(qty)
		if s.Quantity.Equal(qty) {
			// Fully covered: keep the record as history with its final size.
			s.Active = false
			closed := at
			s.ClosedAt = &closed
		} else {
			s.Quantity = s.Quantity.Sub(qty)
		}
		p.CashBalance = p.CashBalance.Sub(notional)
		p.RealizedPnL = p.RealizedPnL.Add(pnl)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}

	p.UpdatedAt = at
	return &model.Trade{
		ParticipantID: p.ParticipantID,
		Instrument:    instrument,
		Side:          side,
		Quantity:      qty,
		Price:         price,
		TotalAmount:   notional,
		RealizedPnL:   pnl,
		Timestamp:     at,
	}, nil
}

// Revalue recomputes the derived fields of p from the latest prices. An
// instrument with no known price is valued at cost.
func Revalue(p *model.Portfolio, prices PriceSource) {
	market := decimal.Zero
	unrealized := decimal.Zero
	shortValue := decimal.Zero

	for instrument, h := range p.Holdings {
		last, ok := prices.LastPrice(instrument)
		if !ok {
			last = h.AverageCost
		}
		market = market.Add(h.Quantity.Mul(last))
		unrealized = unrealized.Add(last.Sub(h.AverageCost).Mul(h.Quantity))
	}
	for _, s := range p.ShortPositions {
		if !s.Active {
			continue
		}
		last, ok := prices.LastPrice(s.Instrument)
		if !ok {
			last = s.AverageShortPrice
		}
		shortValue = shortValue.Add(s.Quantity.Mul(last))
		unrealized = unrealized.Add(s.AverageShortPrice.Sub(last).Mul(s.Quantity))
	}

	p.MarketValue = market
	p.UnrealizedPnL = unrealized
	p.ShortValue = shortValue
	p.TotalWealth = p.CashBalance.Add(market)
}
