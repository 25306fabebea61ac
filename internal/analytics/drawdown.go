package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/account"
)

// DrawdownMetrics describes the worst peak-to-trough equity decline and
// streak behavior.
type DrawdownMetrics struct {
	Empty bool `json:"empty"`

	// MaxDrawdown is the deepest decline as a fraction of its peak.
	MaxDrawdown        float64         `json:"max_drawdown"`
	MaxDrawdownDollars decimal.Decimal `json:"max_drawdown_dollars"`

	// Peak/Trough/Recovery bound the deepest decline. Recovery is zero
	// when equity never regained the peak.
	PeakTime     time.Time `json:"peak_time"`
	TroughTime   time.Time `json:"trough_time"`
	RecoveryTime time.Time `json:"recovery_time"`
	Recovered    bool      `json:"recovered"`

	// DurationDays counts calendar days from the peak to recovery (or to
	// the end of the curve when unrecovered).
	DurationDays float64 `json:"duration_days"`

	// RecoveryFactor is net profit over the max drawdown in dollars.
	RecoveryFactor    float64 `json:"recovery_factor"`
	HasRecoveryFactor bool    `json:"has_recovery_factor"`

	LongestWinStreak  int `json:"longest_win_streak"`
	LongestLossStreak int `json:"longest_loss_streak"`
}

// ComputeDrawdown walks the equity curve tracking the running peak.
func ComputeDrawdown(curve []account.EquityPoint, trades []account.ClosedTrade) DrawdownMetrics {
	if len(curve) == 0 {
		return DrawdownMetrics{Empty: true}
	}

	m := DrawdownMetrics{}

	peak := curve[0]
	var (
		maxDD        decimal.Decimal
		maxDDFrac    float64
		ddPeak       account.EquityPoint
		ddTrough     account.EquityPoint
	)

	for _, pt := range curve {
		if pt.Equity.GreaterThan(peak.Equity) {
			peak = pt
		}
		dd := peak.Equity.Sub(pt.Equity)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			ddPeak = peak
			ddTrough = pt
			if peak.Equity.IsPositive() {
				frac, _ := dd.Div(peak.Equity).Float64()
				maxDDFrac = frac
			}
		}
	}

	m.MaxDrawdown = maxDDFrac
	m.MaxDrawdownDollars = maxDD.Round(2)
	m.PeakTime = ddPeak.Time
	m.TroughTime = ddTrough.Time

	if maxDD.IsPositive() {
		// Recovery: first point at or after the trough back at the peak
		// equity.
		for _, pt := range curve {
			if pt.Time.Before(ddTrough.Time) {
				continue
			}
			if pt.Equity.GreaterThanOrEqual(ddPeak.Equity) {
				m.RecoveryTime = pt.Time
				m.Recovered = true
				break
			}
		}
		end := curve[len(curve)-1].Time
		if m.Recovered {
			end = m.RecoveryTime
		}
		m.DurationDays = end.Sub(ddPeak.Time).Hours() / 24

		net := curve[len(curve)-1].Equity.Sub(curve[0].Equity)
		rf, _ := net.Div(maxDD).Float64()
		m.RecoveryFactor = rf
		m.HasRecoveryFactor = true
	}

	m.LongestWinStreak, m.LongestLossStreak = streaks(chronological(trades))
	return m
}

// streaks returns the longest consecutive winning and losing runs.
func streaks(trades []account.ClosedTrade) (win, loss int) {
	var curWin, curLoss int
	for _, t := range trades {
		switch {
		case t.PnL.IsPositive():
			curWin++
			curLoss = 0
		case t.PnL.IsNegative():
			curLoss++
			curWin = 0
		default:
			curWin, curLoss = 0, 0
		}
		if curWin > win {
			win = curWin
		}
		if curLoss > loss {
			loss = curLoss
		}
	}
	return win, loss
}
