package sim

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/market"
)

// atrPeriod is the lookback for the average true range used by
// atr-multiple trailing stops.
const atrPeriod = 14

// PositionState tracks one open trade for the exit manager. The account
// keeps the money; this keeps the price path.
type PositionState struct {
	TradeID   string
	Symbol    string
	Direction market.Direction

	EntryPrice decimal.Decimal
	EntryTime  time.Time

	OriginalSize  int64
	RemainingSize int64

	// RiskPerShare is |entry - initial stop|, the denominator of every
	// R-multiple on this trade.
	RiskPerShare decimal.Decimal
	InitialStop  decimal.Decimal
	CurrentStop  decimal.Decimal

	HighestPrice decimal.Decimal
	LowestPrice  decimal.Decimal

	TargetsHit           map[int]bool
	PartialCount         int
	StopMovedToBreakeven bool

	MaxFavorableR decimal.Decimal
	MaxAdverseR   decimal.Decimal

	Exit ExitStrategy

	// recent holds the last bars seen, enough to compute the ATR for
	// atr-multiple trailing.
	recent []market.Bar
}

// NewPositionState builds the tracking state for a freshly opened trade.
func NewPositionState(tradeID, symbol string, direction market.Direction, entry decimal.Decimal, entryTime time.Time, size int64, exit ExitStrategy) (*PositionState, error) {
	risk := entry.Sub(exit.Stop).Abs()
	if !risk.IsPositive() {
		return nil, fmt.Errorf("position %s: zero risk per share (entry %s, stop %s)", symbol, entry, exit.Stop)
	}
	return &PositionState{
		TradeID:       tradeID,
		Symbol:        symbol,
		Direction:     direction,
		EntryPrice:    entry,
		EntryTime:     entryTime,
		OriginalSize:  size,
		RemainingSize: size,
		RiskPerShare:  risk,
		InitialStop:   exit.Stop,
		CurrentStop:   exit.Stop,
		HighestPrice:  entry,
		LowestPrice:   entry,
		TargetsHit:    make(map[int]bool),
		Exit:          exit,
	}, nil
}

// observe folds a bar into the price-path tracking: extremes, R extremes,
// and the ATR window.
func (p *PositionState) observe(bar market.Bar) {
	if bar.High.GreaterThan(p.HighestPrice) {
		p.HighestPrice = bar.High
	}
	if bar.Low.LessThan(p.LowestPrice) {
		p.LowestPrice = bar.Low
	}

	fav := p.rAt(p.favorablePrice(bar))
	if fav.GreaterThan(p.MaxFavorableR) {
		p.MaxFavorableR = fav
	}
	adv := p.rAt(p.adversePrice(bar))
	if adv.LessThan(p.MaxAdverseR) {
		p.MaxAdverseR = adv
	}

	p.recent = append(p.recent, bar)
	if len(p.recent) > atrPeriod+1 {
		p.recent = p.recent[1:]
	}
}

// favorablePrice is the bar price that helps the trade: high for longs,
// low for shorts.
func (p *PositionState) favorablePrice(bar market.Bar) decimal.Decimal {
	if p.Direction == market.Long {
		return bar.High
	}
	return bar.Low
}

// adversePrice is the bar price that hurts the trade.
func (p *PositionState) adversePrice(bar market.Bar) decimal.Decimal {
	if p.Direction == market.Long {
		return bar.Low
	}
	return bar.High
}

// rAt converts a price to an R-multiple relative to entry and initial
// risk.
func (p *PositionState) rAt(price decimal.Decimal) decimal.Decimal {
	move := price.Sub(p.EntryPrice)
	if p.Direction == market.Short {
		move = move.Neg()
	}
	return move.Div(p.RiskPerShare)
}

// moreFavorable reports whether candidate is a strictly better stop than
// current for this direction: higher for longs, lower for shorts.
func (p *PositionState) moreFavorable(candidate, current decimal.Decimal) bool {
	if p.Direction == market.Long {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// tryMoveStop applies a stop move only in the favorable direction.
// Unfavorable proposals are ignored silently.
func (p *PositionState) tryMoveStop(candidate decimal.Decimal) bool {
	if !p.moreFavorable(candidate, p.CurrentStop) {
		return false
	}
	p.CurrentStop = candidate
	return true
}

// atr returns the average true range over the recent window, or zero when
// fewer than two bars have been seen.
func (p *PositionState) atr() decimal.Decimal {
	if len(p.recent) < 2 {
		return decimal.Zero
	}
	sum := decimal.Zero
	n := 0
	for i := 1; i < len(p.recent); i++ {
		prevClose := p.recent[i-1].Close
		cur := p.recent[i]
		tr := cur.High.Sub(cur.Low)
		if hc := cur.High.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
			tr = hc
		}
		if lc := cur.Low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
			tr = lc
		}
		sum = sum.Add(tr)
		n++
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// trailingStopFrom computes the trailing-stop proposal from the favorable
// extreme.
func (p *PositionState) trailingStopFrom(t Trail) (decimal.Decimal, bool) {
	extreme := p.HighestPrice
	if p.Direction == market.Short {
		extreme = p.LowestPrice
	}

	var dist decimal.Decimal
	switch t.Kind {
	case TrailFixedDistance:
		dist = t.Value
	case TrailPercent:
		dist = extreme.Mul(t.Value).Div(decimal.NewFromInt(100))
	case TrailAtrMultiple:
		a := p.atr()
		if a.IsZero() {
			return decimal.Zero, false
		}
		dist = a.Mul(t.Value)
	default:
		return decimal.Zero, false
	}

	if p.Direction == market.Long {
		return extreme.Sub(dist), true
	}
	return extreme.Add(dist), true
}

// breakevenStop is entry plus the buffer in the favorable direction.
func (p *PositionState) breakevenStop(buffer decimal.Decimal) decimal.Decimal {
	if p.Direction == market.Long {
		return p.EntryPrice.Add(buffer)
	}
	return p.EntryPrice.Sub(buffer)
}

// targetDistance is |target - entry|, the ordering key for same-bar target
// fills.
func (p *PositionState) targetDistance(t Target) decimal.Decimal {
	return t.Price.Sub(p.EntryPrice).Abs()
}
