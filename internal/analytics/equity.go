package analytics

import (
	"fmt"
	"math"
	"sort"

	"github.com/sammarten/signal/internal/account"
	"github.com/sammarten/signal/internal/market"
)

// tradingDaysPerYear scales daily statistics to annual.
const tradingDaysPerYear = 252

// EquityMetrics are the curve-level return statistics.
type EquityMetrics struct {
	Empty bool `json:"empty"`

	TotalReturn      float64 `json:"total_return"`      // fraction
	AnnualizedReturn float64 `json:"annualized_return"` // fraction

	// Volatility is the stdev of daily returns times sqrt(252).
	Volatility float64 `json:"volatility"`

	Sharpe  float64 `json:"sharpe"`
	Sortino float64 `json:"sortino"`
	Calmar  float64 `json:"calmar"`

	ElapsedDays float64 `json:"elapsed_days"`
}

// ComputeEquityMetrics derives return statistics from the curve.
// riskFreeDaily is the daily risk-free rate, usually zero for intraday
// research.
func ComputeEquityMetrics(curve []account.EquityPoint, maxDrawdown float64, riskFreeDaily float64) EquityMetrics {
	if len(curve) < 2 {
		return EquityMetrics{Empty: true}
	}

	m := EquityMetrics{}

	first, last := curve[0], curve[len(curve)-1]
	if first.Equity.IsPositive() {
		tr, _ := last.Equity.Sub(first.Equity).Div(first.Equity).Float64()
		m.TotalReturn = tr
	}

	m.ElapsedDays = last.Time.Sub(first.Time).Hours() / 24
	if m.ElapsedDays > 0 && m.TotalReturn > -1 {
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, 365/m.ElapsedDays) - 1
	}

	daily := dailyReturns(curve)
	mean, std := meanStd(daily)
	if std > 0 {
		m.Volatility = std * math.Sqrt(tradingDaysPerYear)
		m.Sharpe = (mean - riskFreeDaily) / std * math.Sqrt(tradingDaysPerYear)
	}
	if down := downsideDev(daily, riskFreeDaily); down > 0 {
		m.Sortino = (mean - riskFreeDaily) / down * math.Sqrt(tradingDaysPerYear)
	}
	if maxDrawdown > 0 {
		m.Calmar = m.AnnualizedReturn / maxDrawdown
	}
	return m
}

// dailyReturns resamples the curve to one closing equity per ET calendar
// day and differences them.
func dailyReturns(curve []account.EquityPoint) []float64 {
	type dayEnd struct {
		day    string
		equity float64
	}
	byDay := make(map[string]float64)
	var order []string
	for _, pt := range curve {
		y, mo, d := market.EasternDate(pt.Time)
		key := dateKey(y, int(mo), d)
		if _, seen := byDay[key]; !seen {
			order = append(order, key)
		}
		eq, _ := pt.Equity.Float64()
		byDay[key] = eq // last point of the day wins
	}
	sort.Strings(order)

	ends := make([]dayEnd, 0, len(order))
	for _, key := range order {
		ends = append(ends, dayEnd{day: key, equity: byDay[key]})
	}

	var returns []float64
	for i := 1; i < len(ends); i++ {
		prev := ends[i-1].equity
		if prev != 0 {
			returns = append(returns, (ends[i].equity-prev)/prev)
		}
	}
	return returns
}

func dateKey(y, m, d int) string {
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}
