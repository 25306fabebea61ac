package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/account"
	"github.com/sammarten/signal/internal/clock"
	"github.com/sammarten/signal/internal/logger"
	"github.com/sammarten/signal/internal/market"
)

const logTag = "SIM"

// Signal is a queued trade request from the collector. It executes on the
// first bar of its symbol strictly after GeneratedAt.
type Signal struct {
	ID         string
	Symbol     string
	Direction  market.Direction
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal

	TakeProfit    decimal.Decimal
	HasTakeProfit bool

	Exit *ExitStrategy

	StrategyID  string
	LevelType   string
	GeneratedAt time.Time
}

// Config tunes the simulator.
type Config struct {
	Fill FillConfig

	// TimeExitHour/Minute is the ET cutoff at which every open position is
	// force-closed. Default 11:00.
	TimeExitHour   int
	TimeExitMinute int
}

// DefaultConfig uses next-bar-open fills and the 11:00 ET time exit.
func DefaultConfig() Config {
	return Config{Fill: DefaultFillConfig(), TimeExitHour: 11}
}

// Simulator turns signals into positions and runs the exit manager over
// every open position on every bar, applying the results to the account.
type Simulator struct {
	cfg     Config
	clk     *clock.Clock
	acct    *account.Account
	manager ExitManager

	queue     []Signal
	positions map[string]*PositionState
	order     []string // position creation order

	signalsDropped int
}

// New builds a simulator bound to a run's clock and account.
func New(cfg Config, clk *clock.Clock, acct *account.Account) *Simulator {
	if cfg.TimeExitHour == 0 && cfg.TimeExitMinute == 0 {
		cfg.TimeExitHour = 11
	}
	return &Simulator{
		cfg:       cfg,
		clk:       clk,
		acct:      acct,
		positions: make(map[string]*PositionState),
	}
}

// SubmitSignal queues a signal for execution on the next bar of its
// symbol.
func (s *Simulator) SubmitSignal(sig Signal) {
	s.queue = append(s.queue, sig)
}

// OpenPositions returns how many positions are currently open.
func (s *Simulator) OpenPositions() int { return len(s.positions) }

// SignalsDropped counts signals rejected by the account (invalid stop,
// insufficient funds).
func (s *Simulator) SignalsDropped() int { return s.signalsDropped }

// OnBar processes one bar: time exit, then exit checks on open positions,
// then pending entries. Exits always run before entries so no position is
// evaluated on its own entry bar.
func (s *Simulator) OnBar(bar market.Bar) error {
	now, err := s.clk.Now()
	if err != nil {
		return fmt.Errorf("sim: %w", err)
	}

	if market.AtOrAfterEastern(now, s.cfg.TimeExitHour, s.cfg.TimeExitMinute) {
		if err := s.timeExit(bar); err != nil {
			return err
		}
	}

	if err := s.checkExits(bar); err != nil {
		return err
	}

	s.executeSignals(bar)
	return nil
}

// timeExit force-closes every open position on the bar's symbol at the
// exit fill.
func (s *Simulator) timeExit(bar market.Bar) error {
	for _, id := range s.positionIDsFor(bar.Symbol) {
		pos := s.positions[id]
		fill, _ := s.cfg.Fill.ExitFill(bar, pos.Direction)
		if err := s.closeFull(pos, bar, fill, ReasonTimeExit); err != nil {
			return err
		}
	}
	return nil
}

// checkExits runs the exit manager over each open position on the bar's
// symbol, in creation order, applying the resulting actions.
func (s *Simulator) checkExits(bar market.Bar) error {
	for _, id := range s.positionIDsFor(bar.Symbol) {
		pos, still := s.positions[id]
		if !still {
			continue
		}
		for _, act := range s.manager.Check(pos, bar) {
			if err := s.apply(pos, bar, act); err != nil {
				return err
			}
			if _, open := s.positions[id]; !open {
				break
			}
		}
	}
	return nil
}

// apply executes one exit-manager action against the account.
func (s *Simulator) apply(pos *PositionState, bar market.Bar, act Action) error {
	switch act.Kind {
	case ActionUpdateStop:
		return s.acct.UpdateStop(pos.TradeID, act.NewStop)

	case ActionPartialExit:
		partial, closed, err := s.acct.PartialClose(pos.TradeID, account.PartialParams{
			ExitPrice:            act.Fill,
			ExitTime:             bar.BarTime,
			SharesToExit:         act.Shares,
			Reason:               string(act.Reason),
			TargetIndex:          act.TargetIndex,
			HasTarget:            true,
			InitialStop:          pos.InitialStop,
			FinalStop:            pos.CurrentStop,
			StopMovedToBreakeven: pos.StopMovedToBreakeven,
			MaxFavorableR:        pos.MaxFavorableR,
			MaxAdverseR:          pos.MaxAdverseR,
		})
		if err != nil {
			return fmt.Errorf("sim: partial close %s: %w", pos.TradeID, err)
		}
		pos.RemainingSize = partial.RemainingAfter
		pos.PartialCount++
		if closed != nil {
			s.removePosition(pos.TradeID)
			s.acct.RecordEquity(bar.BarTime)
		}
		return nil

	case ActionFullExit:
		return s.closeFull(pos, bar, act.Fill, act.Reason)

	default:
		return fmt.Errorf("sim: unknown action kind %q", act.Kind)
	}
}

// closeFull closes all remaining shares of a position and samples the
// equity curve.
func (s *Simulator) closeFull(pos *PositionState, bar market.Bar, fill decimal.Decimal, reason ExitReason) error {
	_, err := s.acct.ClosePosition(pos.TradeID, account.CloseParams{
		ExitPrice:            fill,
		ExitTime:             bar.BarTime,
		Status:               account.StatusForReason(string(reason)),
		InitialStop:          pos.InitialStop,
		FinalStop:            pos.CurrentStop,
		StopMovedToBreakeven: pos.StopMovedToBreakeven,
		MaxFavorableR:        pos.MaxFavorableR,
		MaxAdverseR:          pos.MaxAdverseR,
	})
	if err != nil {
		return fmt.Errorf("sim: close %s: %w", pos.TradeID, err)
	}
	s.removePosition(pos.TradeID)
	s.acct.RecordEquity(bar.BarTime)
	return nil
}

// executeSignals fills queued signals whose symbol matches and whose
// generation time precedes this bar. Account rejections drop the signal
// with a warning.
func (s *Simulator) executeSignals(bar market.Bar) {
	kept := s.queue[:0]
	for _, sig := range s.queue {
		if sig.Symbol != bar.Symbol || !bar.BarTime.After(sig.GeneratedAt) {
			kept = append(kept, sig)
			continue
		}
		if err := s.enter(sig, bar); err != nil {
			if errors.Is(err, account.ErrInvalidStop) || errors.Is(err, account.ErrInsufficientFunds) {
				s.signalsDropped++
				logger.Warnf(logTag, "dropping signal %s on %s: %v", sig.ID, sig.Symbol, err)
				continue
			}
			logger.Error(logTag, err, "signal execution failed")
			s.signalsDropped++
		}
	}
	s.queue = kept
}

// enter opens a position for a signal using the configured fill policy.
// The current bar is the "next" bar relative to the signal.
func (s *Simulator) enter(sig Signal, bar market.Bar) error {
	fill, _ := s.cfg.Fill.EntryFill(sig.EntryPrice, sig.Direction, &bar)

	exit := ExitStrategy{}
	if sig.Exit != nil {
		exit = *sig.Exit
	} else {
		exit = NewFixedExit(sig.StopLoss, sig.TakeProfit, sig.HasTakeProfit)
	}

	trade, err := s.acct.OpenPosition(account.OpenParams{
		TradeID:    sig.ID,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		EntryPrice: fill,
		EntryTime:  bar.BarTime,
		StopLoss:   exit.Stop,
		StrategyID: sig.StrategyID,
	})
	if err != nil {
		return err
	}

	pos, err := NewPositionState(trade.ID, trade.Symbol, trade.Direction, trade.EntryPrice, trade.EntryTime, trade.Size, exit)
	if err != nil {
		return fmt.Errorf("sim: position state for %s: %w", trade.ID, err)
	}

	s.positions[trade.ID] = pos
	s.order = append(s.order, trade.ID)
	return nil
}

// positionIDsFor returns open position ids on a symbol in creation order.
func (s *Simulator) positionIDsFor(symbol string) []string {
	var ids []string
	for _, id := range s.order {
		if pos, ok := s.positions[id]; ok && pos.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Simulator) removePosition(id string) {
	delete(s.positions, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
