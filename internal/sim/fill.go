package sim

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/market"
)

// FillType selects the base price used when an entry order fills.
type FillType string

const (
	FillSignalPrice FillType = "signal_price"
	FillNextBarOpen FillType = "next_bar_open"
	FillBarClose    FillType = "bar_close"
	FillVwap        FillType = "vwap"
)

// SlippageKind discriminates the slippage models.
type SlippageKind string

const (
	SlippageNone   SlippageKind = "none"
	SlippageFixed  SlippageKind = "fixed"
	SlippageRandom SlippageKind = "random"
)

// SlippageConfig models execution slippage. Fixed uses Amount as an
// absolute price offset; Random draws uniformly in [0, MaxFraction) of the
// base price from the injected RNG so replays stay deterministic.
type SlippageConfig struct {
	Kind        SlippageKind    `json:"kind"`
	Amount      decimal.Decimal `json:"amount,omitempty"`
	MaxFraction decimal.Decimal `json:"max_fraction,omitempty"`
}

// FillConfig is the execution model for a run.
type FillConfig struct {
	Type     FillType       `json:"fill_type"`
	Slippage SlippageConfig `json:"slippage"`

	// rng drives random slippage. Seeded per run by the coordinator.
	rng *rand.Rand
}

// DefaultFillConfig fills at the next bar's open with no slippage.
func DefaultFillConfig() FillConfig {
	return FillConfig{Type: FillNextBarOpen, Slippage: SlippageConfig{Kind: SlippageNone}}
}

// WithRand returns a copy of the config using the given RNG for random
// slippage.
func (c FillConfig) WithRand(rng *rand.Rand) FillConfig {
	c.rng = rng
	return c
}

// slip computes the slippage magnitude for a base price. Always
// non-negative; the caller applies the adverse direction.
func (c FillConfig) slip(base decimal.Decimal) decimal.Decimal {
	switch c.Slippage.Kind {
	case SlippageFixed:
		return c.Slippage.Amount.Abs()
	case SlippageRandom:
		if c.rng == nil || !c.Slippage.MaxFraction.IsPositive() {
			return decimal.Zero
		}
		frac := decimal.NewFromFloat(c.rng.Float64()).Mul(c.Slippage.MaxFraction)
		return base.Mul(frac)
	default:
		return decimal.Zero
	}
}

// EntryFill resolves the entry fill for a signal. nextBar is the first bar
// after the signal queued; it may be nil only for FillSignalPrice.
// Slippage is applied against the trader: longs buy higher, shorts sell
// lower. Returns the fill and the slippage applied.
func (c FillConfig) EntryFill(signalPrice decimal.Decimal, direction market.Direction, nextBar *market.Bar) (decimal.Decimal, decimal.Decimal) {
	base := signalPrice
	switch c.Type {
	case FillNextBarOpen:
		if nextBar != nil {
			base = nextBar.Open
		}
	case FillBarClose:
		if nextBar != nil {
			base = nextBar.Close
		}
	case FillVwap:
		if nextBar != nil && nextBar.HasVWAP {
			base = nextBar.VWAP
		}
	}
	s := c.slip(base)
	if direction == market.Long {
		return base.Add(s), s
	}
	return base.Sub(s), s
}

// ExitFill resolves a market exit at the bar close, slippage applied in
// the exit direction: longs sell lower, shorts buy higher.
func (c FillConfig) ExitFill(bar market.Bar, direction market.Direction) (decimal.Decimal, decimal.Decimal) {
	base := bar.Close
	s := c.slip(base)
	if direction == market.Long {
		return base.Sub(s), s
	}
	return base.Add(s), s
}

// StopCheck is the outcome of testing a bar against a protective stop.
type StopCheck struct {
	Hit  bool
	Fill decimal.Decimal
	// Gapped is true when the bar opened beyond the stop; the fill is then
	// the open, never the stop price.
	Gapped bool
}

// CheckStop tests whether the bar trades through the stop. Long: triggered
// when bar.Low <= stop; short mirrored.
func CheckStop(direction market.Direction, stop decimal.Decimal, bar market.Bar) StopCheck {
	if direction == market.Long {
		if bar.Low.LessThanOrEqual(stop) {
			if bar.Open.LessThan(stop) {
				return StopCheck{Hit: true, Fill: bar.Open, Gapped: true}
			}
			return StopCheck{Hit: true, Fill: stop}
		}
		return StopCheck{}
	}
	if bar.High.GreaterThanOrEqual(stop) {
		if bar.Open.GreaterThan(stop) {
			return StopCheck{Hit: true, Fill: bar.Open, Gapped: true}
		}
		return StopCheck{Hit: true, Fill: stop}
	}
	return StopCheck{}
}

// TargetCheck is the outcome of testing a bar against a profit target.
type TargetCheck struct {
	Hit  bool
	Fill decimal.Decimal
}

// CheckTarget tests whether the bar reaches the target. Targets are
// limit-like: the fill is exactly the target price.
func CheckTarget(direction market.Direction, target decimal.Decimal, bar market.Bar) TargetCheck {
	if direction == market.Long {
		if bar.High.GreaterThanOrEqual(target) {
			return TargetCheck{Hit: true, Fill: target}
		}
		return TargetCheck{}
	}
	if bar.Low.LessThanOrEqual(target) {
		return TargetCheck{Hit: true, Fill: target}
	}
	return TargetCheck{}
}
