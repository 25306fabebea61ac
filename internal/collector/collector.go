// Package collector maintains per-symbol rolling bar windows and key
// levels, evaluates the configured strategies inside the trading window,
// and forwards resulting setups to the trade simulator as signals.
package collector

import (
	"fmt"
	"time"

	"github.com/sammarten/signal/internal/clock"
	"github.com/sammarten/signal/internal/levels"
	"github.com/sammarten/signal/internal/logger"
	"github.com/sammarten/signal/internal/market"
	"github.com/sammarten/signal/internal/sim"
	"github.com/sammarten/signal/internal/strategy"
)

const logTag = "COLLECT"

// windowSize is the rolling window length per symbol.
const windowSize = 100

// minWindowForEval is the minimum bars a symbol needs before strategies
// run.
const minWindowForEval = 10

// Trading window: strategies evaluate only between 09:30 and 11:00 ET.
const (
	tradeWindowEndHour   = 11
	tradeWindowEndMinute = 0
)

// SignalSink receives emitted signals; the trade simulator implements it.
type SignalSink interface {
	SubmitSignal(sim.Signal)
}

// Collector is a pure transformation over the bar stream: identical bars
// and configuration emit identical signals.
type Collector struct {
	clk        *clock.Clock
	sink       SignalSink
	strategies []strategy.Strategy
	params     strategy.Params

	windows  map[string][]market.Bar
	trackers map[string]*levels.Tracker

	signals int
}

// New builds a collector. Strategies evaluate in the order given, which
// fixes the emission order of same-bar signals.
func New(clk *clock.Clock, sink SignalSink, strategies []strategy.Strategy, params strategy.Params) *Collector {
	return &Collector{
		clk:        clk,
		sink:       sink,
		strategies: strategies,
		params:     params,
		windows:    make(map[string][]market.Bar),
		trackers:   make(map[string]*levels.Tracker),
	}
}

// SignalsCount returns how many signals have been emitted.
func (c *Collector) SignalsCount() int { return c.signals }

// Levels returns the current level snapshot for a symbol.
func (c *Collector) Levels(symbol string) levels.Snapshot {
	if tr, ok := c.trackers[symbol]; ok {
		return tr.Snapshot()
	}
	return levels.Snapshot{Symbol: symbol}
}

// OnBar folds one bar in: window append, level update, then strategy
// evaluation when inside the trading window.
func (c *Collector) OnBar(bar market.Bar) error {
	window := append(c.windows[bar.Symbol], bar)
	if len(window) > windowSize {
		window = window[len(window)-windowSize:]
	}
	c.windows[bar.Symbol] = window

	tracker, ok := c.trackers[bar.Symbol]
	if !ok {
		tracker = levels.NewTracker(bar.Symbol)
		c.trackers[bar.Symbol] = tracker
	}
	tracker.Update(bar)

	if !c.shouldEvaluate(len(window)) {
		return nil
	}

	now, err := c.clk.Now()
	if err != nil {
		return err
	}
	snap := tracker.Snapshot()

	for _, strat := range c.strategies {
		setups, err := strat.Evaluate(bar.Symbol, window, snap, c.params)
		if err != nil {
			logger.Warnf(logTag, "strategy %s on %s: %v", strat.ID(), bar.Symbol, err)
			continue
		}
		for _, setup := range setups {
			if err := setup.Validate(); err != nil {
				logger.Warnf(logTag, "rejecting setup: %v", err)
				continue
			}
			c.emit(setup, now)
		}
	}
	return nil
}

// shouldEvaluate gates evaluation on market hours, the 09:30-11:00 ET
// trading window, and window depth.
func (c *Collector) shouldEvaluate(windowLen int) bool {
	if windowLen < minWindowForEval {
		return false
	}
	if !c.clk.MarketOpen() {
		return false
	}
	now, err := c.clk.Now()
	if err != nil {
		return false
	}
	return !market.AtOrAfterEastern(now, tradeWindowEndHour, tradeWindowEndMinute)
}

// emit assigns the signal identity and hands it to the sink. Ids are
// sequential within the run so replays of the same inputs produce
// identical ledgers.
func (c *Collector) emit(setup strategy.Setup, now time.Time) {
	sig := sim.Signal{
		ID:            fmt.Sprintf("sig-%06d", c.signals+1),
		Symbol:        setup.Symbol,
		Direction:     setup.Direction,
		EntryPrice:    setup.EntryPrice,
		StopLoss:      setup.StopLoss,
		TakeProfit:    setup.TakeProfit,
		HasTakeProfit: setup.HasTakeProfit,
		Exit:          setup.Exit,
		StrategyID:    setup.StrategyID,
		LevelType:     string(setup.LevelType),
		GeneratedAt:   now,
	}
	c.sink.SubmitSignal(sig)
	c.signals++
}
