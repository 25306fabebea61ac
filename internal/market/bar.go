// Package market holds the shared market-data types: minute bars, trade
// direction, and the Eastern-time session predicates every other component
// relies on. All prices are exact decimals; binary floats never touch money.
package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Session classifies a bar as regular-hours or extended-hours.
type Session string

const (
	SessionRegular  Session = "regular"
	SessionExtended Session = "extended"
)

// Direction is the side of a trade.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign returns +1 for long and -1 for short, used by P&L and R math.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Bar is a one-minute OHLCV record. Bars are read-only once ingested.
type Bar struct {
	Symbol     string          `json:"symbol"`
	BarTime    time.Time       `json:"bar_time"` // UTC
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     int64           `json:"volume"`
	VWAP       decimal.Decimal `json:"vwap"` // zero when the feed omitted it
	HasVWAP    bool            `json:"has_vwap"`
	TradeCount int64           `json:"trade_count"`
	Session    Session         `json:"session"`
}

// Validate checks the OHLC invariants: low <= open,close <= high and a
// non-negative volume.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if b.BarTime.IsZero() {
		return fmt.Errorf("bar %s: zero time", b.Symbol)
	}
	if b.Low.GreaterThan(b.High) {
		return fmt.Errorf("bar %s@%s: low %s > high %s", b.Symbol, b.BarTime.Format(time.RFC3339), b.Low, b.High)
	}
	if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("bar %s@%s: open %s outside [%s, %s]", b.Symbol, b.BarTime.Format(time.RFC3339), b.Open, b.Low, b.High)
	}
	if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("bar %s@%s: close %s outside [%s, %s]", b.Symbol, b.BarTime.Format(time.RFC3339), b.Close, b.Low, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume %d", b.Symbol, b.BarTime.Format(time.RFC3339), b.Volume)
	}
	return nil
}

// Range returns high - low.
func (b Bar) Range() decimal.Decimal {
	return b.High.Sub(b.Low)
}
