package sim

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/market"
)

// ExitReason tags why shares left a position. Partial exits carry the
// target they filled; full exits carry the stop flavor.
type ExitReason string

const (
	ReasonStopLoss      ExitReason = "stop_loss"
	ReasonTrailingStop  ExitReason = "trailing_stop"
	ReasonBreakevenStop ExitReason = "breakeven_stop"
	ReasonTimeExit      ExitReason = "time_exit"
	ReasonManualExit    ExitReason = "manual_exit"
)

// TargetReason names the partial-exit reason for a target index (0-based
// in, 1-based out: target_1, target_2, ...).
func TargetReason(index int) ExitReason {
	return ExitReason(fmt.Sprintf("target_%d", index+1))
}

// ActionKind discriminates exit-manager actions.
type ActionKind string

const (
	ActionUpdateStop  ActionKind = "update_stop"
	ActionPartialExit ActionKind = "partial_exit"
	ActionFullExit    ActionKind = "full_exit"
)

// Action is one instruction for the simulator to apply to the account, in
// the order emitted: a trailing-stop update, then either one full exit
// (which ends the list) or partial exits in ascending target distance,
// each followed by the stop update its target attaches, then a breakeven
// stop update.
type Action struct {
	Kind ActionKind

	// ActionUpdateStop.
	NewStop decimal.Decimal

	// ActionPartialExit.
	TargetIndex int
	Shares      int64

	// ActionPartialExit and ActionFullExit.
	Fill   decimal.Decimal
	Reason ExitReason

	// ActionFullExit.
	Gapped bool
}

// ExitManager evaluates open positions bar by bar.
type ExitManager struct{}

// Check runs one bar through a position and returns the actions to apply.
// It mutates the position's tracking state (extremes, current stop, hit
// targets); share-count changes land when the simulator applies the
// actions to the account.
//
// The evaluation order encodes the conservative tie-breaks: trailing-stop
// maintenance first, then the stop (so a bar touching both stop and target
// counts as a loss), then targets by ascending distance from entry, then
// the breakeven move.
func (ExitManager) Check(p *PositionState, bar market.Bar) []Action {
	p.observe(bar)

	var actions []Action

	// Trailing maintenance: once activated, follow the favorable extreme.
	if p.Exit.Kind == ExitTrailing {
		active := !p.Exit.HasActivation || p.MaxFavorableR.GreaterThanOrEqual(p.Exit.ActivationR)
		if active {
			if candidate, ok := p.trailingStopFrom(p.Exit.Trail); ok && p.tryMoveStop(candidate) {
				actions = append(actions, Action{Kind: ActionUpdateStop, NewStop: p.CurrentStop})
			}
		}
	}

	// Stop, evaluated before targets.
	if sc := CheckStop(p.Direction, p.CurrentStop, bar); sc.Hit {
		reason := ReasonStopLoss
		if p.Exit.Kind == ExitTrailing && !p.CurrentStop.Equal(p.InitialStop) {
			reason = ReasonTrailingStop
		} else if p.StopMovedToBreakeven {
			reason = ReasonBreakevenStop
		}
		actions = append(actions, Action{
			Kind:   ActionFullExit,
			Fill:   sc.Fill,
			Reason: reason,
			Gapped: sc.Gapped,
		})
		return actions
	}

	// Targets, ascending by distance from entry so nearer rungs fill
	// first when one bar sweeps several.
	actions = append(actions, p.checkTargets(bar)...)

	// Breakeven move, unless a target action already set it this bar or
	// earlier.
	if p.Exit.Breakeven != nil && !p.StopMovedToBreakeven {
		currentR := p.rAt(p.favorablePrice(bar))
		if currentR.GreaterThanOrEqual(p.Exit.Breakeven.TriggerR) {
			p.StopMovedToBreakeven = true
			if p.tryMoveStop(p.breakevenStop(p.Exit.Breakeven.breakevenBuffer())) {
				actions = append(actions, Action{Kind: ActionUpdateStop, NewStop: p.CurrentStop})
			}
		}
	}

	return actions
}

// checkTargets fires every un-hit target the bar reaches and applies any
// attached stop move.
func (p *PositionState) checkTargets(bar market.Bar) []Action {
	var (
		actions []Action
		fixed   []Target
	)

	switch p.Exit.Kind {
	case ExitScaled:
		fixed = p.Exit.Targets
	case ExitFixed:
		if !p.Exit.HasTakeProfit {
			return nil
		}
		// A fixed take-profit is a single 100% target.
		fixed = []Target{{Price: p.Exit.TakeProfit, ExitPercent: decimal.NewFromInt(100)}}
	default:
		return nil
	}

	idx := make([]int, 0, len(fixed))
	for i := range fixed {
		if !p.TargetsHit[i] {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		return p.targetDistance(fixed[idx[a]]).LessThan(p.targetDistance(fixed[idx[b]]))
	})

	remaining := p.RemainingSize
	for _, i := range idx {
		if remaining <= 0 {
			break
		}
		tgt := fixed[i]
		tc := CheckTarget(p.Direction, tgt.Price, bar)
		if !tc.Hit {
			continue
		}

		shares := decimal.NewFromInt(p.OriginalSize).Mul(tgt.ExitPercent).Div(decimal.NewFromInt(100)).Floor().IntPart()
		if shares > remaining {
			shares = remaining
		}
		p.TargetsHit[i] = true
		if shares <= 0 {
			continue
		}
		remaining -= shares
		actions = append(actions, Action{
			Kind:        ActionPartialExit,
			TargetIndex: i,
			Shares:      shares,
			Fill:        tc.Fill,
			Reason:      TargetReason(i),
		})

		if mv := tgt.MoveStop; mv.Kind != MoveStopNone && remaining > 0 {
			var candidate decimal.Decimal
			switch mv.Kind {
			case MoveStopBreakeven:
				buffer := p.Exit.Breakeven.breakevenBuffer()
				candidate = p.breakevenStop(buffer)
				p.StopMovedToBreakeven = true
			case MoveStopEntry:
				candidate = p.EntryPrice
			case MoveStopPrice:
				candidate = mv.Price
			}
			if p.tryMoveStop(candidate) {
				actions = append(actions, Action{Kind: ActionUpdateStop, NewStop: p.CurrentStop})
			}
		}
	}

	return actions
}
