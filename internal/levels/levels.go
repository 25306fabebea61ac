// Package levels derives the intraday reference prices strategies anchor
// to: previous-day extremes, premarket extremes, and the 5/15-minute
// opening ranges. One Tracker serves one symbol across the whole replay;
// day boundaries are detected from the Eastern calendar date of each bar.
package levels

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/market"
)

// Level is a price that may not have been established yet (first day of a
// replay has no previous-day extremes, a day without premarket prints has
// no premarket range).
type Level struct {
	Price decimal.Decimal `json:"price"`
	Set   bool            `json:"set"`
}

func (l *Level) raiseTo(p decimal.Decimal) {
	if !l.Set || p.GreaterThan(l.Price) {
		l.Price = p
		l.Set = true
	}
}

func (l *Level) lowerTo(p decimal.Decimal) {
	if !l.Set || p.LessThan(l.Price) {
		l.Price = p
		l.Set = true
	}
}

// Snapshot is the read-only view of a symbol's levels handed to
// strategies.
type Snapshot struct {
	Symbol        string `json:"symbol"`
	PrevDayHigh   Level  `json:"previous_day_high"`
	PrevDayLow    Level  `json:"previous_day_low"`
	PremarketHigh Level  `json:"premarket_high"`
	PremarketLow  Level  `json:"premarket_low"`
	OR5High       Level  `json:"opening_range_5m_high"`
	OR5Low        Level  `json:"opening_range_5m_low"`
	OR15High      Level  `json:"opening_range_15m_high"`
	OR15Low       Level  `json:"opening_range_15m_low"`
}

// LevelType names a reference level on a Snapshot, used when a setup is
// anchored to one.
type LevelType string

const (
	LevelPrevDayHigh   LevelType = "previous_day_high"
	LevelPrevDayLow    LevelType = "previous_day_low"
	LevelPremarketHigh LevelType = "premarket_high"
	LevelPremarketLow  LevelType = "premarket_low"
	LevelOR5High       LevelType = "opening_range_5m_high"
	LevelOR5Low        LevelType = "opening_range_5m_low"
	LevelOR15High      LevelType = "opening_range_15m_high"
	LevelOR15Low       LevelType = "opening_range_15m_low"
)

// Tracker accumulates levels for one symbol, rolling the intraday extremes
// into the next day's previous-day levels at each ET date change.
type Tracker struct {
	symbol string

	trackedDay time.Time // midnight ET of the day being accumulated
	hasDay     bool

	snap Snapshot

	// Regular-session extremes of the tracked day; they become tomorrow's
	// previous-day high/low.
	dayHigh Level
	dayLow  Level
}

// NewTracker returns a tracker with no established levels.
func NewTracker(symbol string) *Tracker {
	return &Tracker{symbol: symbol, snap: Snapshot{Symbol: symbol}}
}

// Update folds one bar into the tracker. Bars must arrive in time order;
// the caller (the signal collector) guarantees this.
func (t *Tracker) Update(bar market.Bar) {
	et := market.ToEastern(bar.BarTime)
	y, m, d := et.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, et.Location())

	if !t.hasDay {
		t.trackedDay = day
		t.hasDay = true
	} else if day.After(t.trackedDay) {
		t.rollDay(day)
	}

	switch {
	case market.InPremarket(bar.BarTime):
		t.snap.PremarketHigh.raiseTo(bar.High)
		t.snap.PremarketLow.lowerTo(bar.Low)
	case market.InOpeningRange5(bar.BarTime):
		t.snap.OR5High.raiseTo(bar.High)
		t.snap.OR5Low.lowerTo(bar.Low)
	case market.InOpeningRange15(bar.BarTime):
		// First bar past 09:35 seeds the 15-minute range from the frozen
		// 5-minute range, then the window's own bars extend it.
		if !t.snap.OR15High.Set && t.snap.OR5High.Set {
			t.snap.OR15High = t.snap.OR5High
		}
		if !t.snap.OR15Low.Set && t.snap.OR5Low.Set {
			t.snap.OR15Low = t.snap.OR5Low
		}
		t.snap.OR15High.raiseTo(bar.High)
		t.snap.OR15Low.lowerTo(bar.Low)
	}

	// Regular-session extremes accumulate all day for tomorrow's PDH/PDL,
	// opening-range bars included.
	if market.InRegularHours(bar.BarTime) {
		t.dayHigh.raiseTo(bar.High)
		t.dayLow.lowerTo(bar.Low)
	}
}

// rollDay snapshots the finished day's extremes as the new previous-day
// levels and clears everything intraday.
func (t *Tracker) rollDay(day time.Time) {
	prevHigh := t.dayHigh
	prevLow := t.dayLow

	t.snap = Snapshot{Symbol: t.symbol}
	if prevHigh.Set {
		t.snap.PrevDayHigh = prevHigh
	}
	if prevLow.Set {
		t.snap.PrevDayLow = prevLow
	}

	t.dayHigh = Level{}
	t.dayLow = Level{}
	t.trackedDay = day
}

// Snapshot returns the current levels.
func (t *Tracker) Snapshot() Snapshot {
	return t.snap
}

// Lookup returns the named level from a snapshot.
func (s Snapshot) Lookup(lt LevelType) Level {
	switch lt {
	case LevelPrevDayHigh:
		return s.PrevDayHigh
	case LevelPrevDayLow:
		return s.PrevDayLow
	case LevelPremarketHigh:
		return s.PremarketHigh
	case LevelPremarketLow:
		return s.PremarketLow
	case LevelOR5High:
		return s.OR5High
	case LevelOR5Low:
		return s.OR5Low
	case LevelOR15High:
		return s.OR15High
	case LevelOR15Low:
		return s.OR15Low
	}
	return Level{}
}
