package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/levels"
	"github.com/sammarten/signal/internal/market"
)

// ORBBreakout trades a break of the 5-minute opening range followed by a
// retest: price must close beyond the range extreme, pull back to touch
// it, then close back in the breakout direction. Entry is at the retest
// close, stop at the opposite side of the retest bar, target a multiple of
// risk.
type ORBBreakout struct{}

// ID implements Strategy.
func (ORBBreakout) ID() string { return "orb_breakout" }

// Evaluate implements Strategy.
func (ORBBreakout) Evaluate(symbol string, bars []market.Bar, snap levels.Snapshot, params Params) ([]Setup, error) {
	if len(bars) < 3 || !snap.OR5High.Set || !snap.OR5Low.Set {
		return nil, nil
	}
	minRR := decimal.NewFromFloat(params.Get("min_rr", 2.0))

	last := bars[len(bars)-1]
	prev := bars[len(bars)-2]

	var setups []Setup

	// Long: previous bar broke and held above the range high, current bar
	// dipped to the level and closed above it.
	if prev.Close.GreaterThan(snap.OR5High.Price) &&
		last.Low.LessThanOrEqual(snap.OR5High.Price) &&
		last.Close.GreaterThan(snap.OR5High.Price) {
		entry := last.Close
		stop := last.Low
		if stop.GreaterThanOrEqual(entry) {
			return nil, nil
		}
		target := entry.Add(entry.Sub(stop).Mul(minRR))
		setups = append(setups, Setup{
			Symbol:        symbol,
			Direction:     market.Long,
			EntryPrice:    entry,
			StopLoss:      stop,
			TakeProfit:    target,
			HasTakeProfit: true,
			StrategyID:    "orb_breakout",
			LevelType:     levels.LevelOR5High,
			LevelPrice:    snap.OR5High.Price,
			HasLevel:      true,
			RetestBar:     &last,
		})
	}

	// Short mirror against the range low.
	if prev.Close.LessThan(snap.OR5Low.Price) &&
		last.High.GreaterThanOrEqual(snap.OR5Low.Price) &&
		last.Close.LessThan(snap.OR5Low.Price) {
		entry := last.Close
		stop := last.High
		if stop.LessThanOrEqual(entry) {
			return setups, nil
		}
		target := entry.Sub(stop.Sub(entry).Mul(minRR))
		setups = append(setups, Setup{
			Symbol:        symbol,
			Direction:     market.Short,
			EntryPrice:    entry,
			StopLoss:      stop,
			TakeProfit:    target,
			HasTakeProfit: true,
			StrategyID:    "orb_breakout",
			LevelType:     levels.LevelOR5Low,
			LevelPrice:    snap.OR5Low.Price,
			HasLevel:      true,
			RetestBar:     &last,
		})
	}

	return setups, nil
}

// LevelReclaim trades a reclaim of the previous day's extremes: price
// opens or trades below the previous-day high, then closes back above it
// on expanding volume (mirrored for the previous-day low on the short
// side).
type LevelReclaim struct{}

// ID implements Strategy.
func (LevelReclaim) ID() string { return "level_reclaim" }

// Evaluate implements Strategy.
func (LevelReclaim) Evaluate(symbol string, bars []market.Bar, snap levels.Snapshot, params Params) ([]Setup, error) {
	if len(bars) < 2 {
		return nil, nil
	}
	minRR := decimal.NewFromFloat(params.Get("min_rr", 2.0))

	last := bars[len(bars)-1]
	prev := bars[len(bars)-2]

	var setups []Setup

	if snap.PrevDayHigh.Set {
		lvl := snap.PrevDayHigh.Price
		if prev.Close.LessThan(lvl) && last.Close.GreaterThan(lvl) && last.Volume > prev.Volume {
			entry := last.Close
			stop := last.Low
			if stop.LessThan(entry) {
				target := entry.Add(entry.Sub(stop).Mul(minRR))
				setups = append(setups, Setup{
					Symbol:        symbol,
					Direction:     market.Long,
					EntryPrice:    entry,
					StopLoss:      stop,
					TakeProfit:    target,
					HasTakeProfit: true,
					StrategyID:    "level_reclaim",
					LevelType:     levels.LevelPrevDayHigh,
					LevelPrice:    lvl,
					HasLevel:      true,
					RetestBar:     &last,
				})
			}
		}
	}

	if snap.PrevDayLow.Set {
		lvl := snap.PrevDayLow.Price
		if prev.Close.GreaterThan(lvl) && last.Close.LessThan(lvl) && last.Volume > prev.Volume {
			entry := last.Close
			stop := last.High
			if stop.GreaterThan(entry) {
				target := entry.Sub(stop.Sub(entry).Mul(minRR))
				setups = append(setups, Setup{
					Symbol:        symbol,
					Direction:     market.Short,
					EntryPrice:    entry,
					StopLoss:      stop,
					TakeProfit:    target,
					HasTakeProfit: true,
					StrategyID:    "level_reclaim",
					LevelType:     levels.LevelPrevDayLow,
					LevelPrice:    lvl,
					HasLevel:      true,
					RetestBar:     &last,
				})
			}
		}
	}

	return setups, nil
}
