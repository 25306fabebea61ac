// Package sim contains the trade-execution half of the engine: fill
// policies, open-position tracking, the exit manager, and the bar-driven
// trade simulator that wires them to the virtual account.
package sim

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ExitKind discriminates the ExitStrategy variants.
type ExitKind string

const (
	ExitFixed    ExitKind = "fixed"
	ExitTrailing ExitKind = "trailing"
	ExitScaled   ExitKind = "scaled"
)

// TrailKind discriminates the trailing-distance rules.
type TrailKind string

const (
	TrailFixedDistance TrailKind = "fixed_distance"
	TrailPercent       TrailKind = "percent"
	TrailAtrMultiple   TrailKind = "atr_multiple"
)

// Trail is the trailing-stop rule: how far behind the favorable price
// extreme the stop follows.
type Trail struct {
	Kind  TrailKind       `json:"kind"`
	Value decimal.Decimal `json:"value"`
}

// StopMoveKind discriminates the post-target stop actions.
type StopMoveKind string

const (
	MoveStopNone      StopMoveKind = ""
	MoveStopBreakeven StopMoveKind = "breakeven"
	MoveStopEntry     StopMoveKind = "entry"
	MoveStopPrice     StopMoveKind = "price"
)

// StopMove is the action attached to a scaled-exit target: where to move
// the stop once the target fills.
type StopMove struct {
	Kind  StopMoveKind    `json:"kind"`
	Price decimal.Decimal `json:"price,omitempty"` // only for MoveStopPrice
}

// Target is one rung of a scaled exit. ExitPercent is a percentage of the
// original position size.
type Target struct {
	Price       decimal.Decimal `json:"price"`
	ExitPercent decimal.Decimal `json:"exit_percent"`
	MoveStop    StopMove        `json:"move_stop,omitempty"`
}

// BreakevenConfig moves the stop to entry plus a buffer once the trade has
// run TriggerR multiples in its favor.
type BreakevenConfig struct {
	TriggerR decimal.Decimal `json:"trigger_r"`
	Buffer   decimal.Decimal `json:"buffer"` // defaults to 0.05 when zero
}

// DefaultBreakevenBuffer is applied when a BreakevenConfig omits Buffer.
var DefaultBreakevenBuffer = decimal.RequireFromString("0.05")

// ExitStrategy is the tagged exit plan attached to a position.
//
//   - ExitFixed: hard stop plus optional take-profit.
//   - ExitTrailing: stop follows the price extreme per Trail once
//     ActivationR has been reached.
//   - ExitScaled: ordered partial-exit targets, each optionally moving the
//     stop after it fills.
//
// Breakeven may be attached to any variant.
type ExitStrategy struct {
	Kind ExitKind `json:"kind"`

	Stop decimal.Decimal `json:"stop"`

	// Fixed.
	TakeProfit    decimal.Decimal `json:"take_profit,omitempty"`
	HasTakeProfit bool            `json:"has_take_profit,omitempty"`

	// Trailing.
	Trail         Trail           `json:"trail,omitempty"`
	ActivationR   decimal.Decimal `json:"activation_r,omitempty"`
	HasActivation bool            `json:"has_activation,omitempty"`

	// Scaled.
	Targets []Target `json:"targets,omitempty"`

	Breakeven *BreakevenConfig `json:"breakeven,omitempty"`
}

// NewFixedExit builds a fixed stop/target plan. Pass hasTP=false for a
// stop-only plan.
func NewFixedExit(stop, takeProfit decimal.Decimal, hasTP bool) ExitStrategy {
	return ExitStrategy{Kind: ExitFixed, Stop: stop, TakeProfit: takeProfit, HasTakeProfit: hasTP}
}

// NewTrailingExit builds a trailing plan. activationR below or equal zero
// means the trail is live immediately.
func NewTrailingExit(stop decimal.Decimal, trail Trail, activationR decimal.Decimal, hasActivation bool) ExitStrategy {
	return ExitStrategy{Kind: ExitTrailing, Stop: stop, Trail: trail, ActivationR: activationR, HasActivation: hasActivation}
}

// NewScaledExit builds a scaled plan from its targets.
func NewScaledExit(stop decimal.Decimal, targets []Target) ExitStrategy {
	return ExitStrategy{Kind: ExitScaled, Stop: stop, Targets: targets}
}

// Validate rejects malformed plans before a position is opened.
func (e ExitStrategy) Validate() error {
	switch e.Kind {
	case ExitFixed:
		return nil
	case ExitTrailing:
		switch e.Trail.Kind {
		case TrailFixedDistance, TrailPercent, TrailAtrMultiple:
		default:
			return fmt.Errorf("exit strategy: unknown trail kind %q", e.Trail.Kind)
		}
		if !e.Trail.Value.IsPositive() {
			return fmt.Errorf("exit strategy: trail value %s must be positive", e.Trail.Value)
		}
		return nil
	case ExitScaled:
		if len(e.Targets) == 0 {
			return fmt.Errorf("exit strategy: scaled plan needs at least one target")
		}
		total := decimal.Zero
		for i, tgt := range e.Targets {
			if !tgt.ExitPercent.IsPositive() {
				return fmt.Errorf("exit strategy: target %d exit percent %s must be positive", i, tgt.ExitPercent)
			}
			total = total.Add(tgt.ExitPercent)
		}
		if total.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("exit strategy: target exit percents sum to %s, above 100", total)
		}
		return nil
	default:
		return fmt.Errorf("exit strategy: unknown kind %q", e.Kind)
	}
}

// breakevenBuffer returns the configured buffer or the default.
func (c *BreakevenConfig) breakevenBuffer() decimal.Decimal {
	if c == nil || c.Buffer.IsZero() {
		return DefaultBreakevenBuffer
	}
	return c.Buffer
}
