// Package optimize sweeps strategy parameters over independent backtest
// runs: plain Cartesian-product grids, and walk-forward train/test
// evaluation of the grid winners.
package optimize

import (
	"fmt"
	"sort"

	"github.com/sammarten/signal/internal/analytics"
)

// Combination is one point of the parameter grid.
type Combination map[string]float64

// ExpandGrid produces the Cartesian product of the grid in a
// deterministic order: parameter names sorted, values in the order given.
func ExpandGrid(grid map[string][]float64) []Combination {
	if len(grid) == 0 {
		return nil
	}
	names := make([]string, 0, len(grid))
	for name := range grid {
		names = append(names, name)
	}
	sort.Strings(names)

	combos := []Combination{{}}
	for _, name := range names {
		values := grid[name]
		next := make([]Combination, 0, len(combos)*len(values))
		for _, base := range combos {
			for _, v := range values {
				combo := make(Combination, len(base)+1)
				for k, bv := range base {
					combo[k] = bv
				}
				combo[name] = v
				next = append(next, combo)
			}
		}
		combos = next
	}
	return combos
}

// Supported objective metrics.
const (
	MetricProfitFactor = "profit_factor"
	MetricNetProfit    = "net_profit"
	MetricExpectancy   = "expectancy"
	MetricWinRate      = "win_rate"
	MetricSharpe       = "sharpe"
)

// MetricValue extracts the objective from a report. The second return is
// false when the metric is undefined for the run (e.g. profit factor with
// no losses), which ranks below any defined value.
func MetricValue(report analytics.Report, metric string) (float64, bool, error) {
	switch metric {
	case MetricProfitFactor:
		return report.Trades.ProfitFactor, report.Trades.HasProfitFactor, nil
	case MetricNetProfit:
		v, _ := report.Trades.NetProfit.Float64()
		return v, !report.Trades.Empty, nil
	case MetricExpectancy:
		v, _ := report.Trades.Expectancy.Float64()
		return v, !report.Trades.Empty, nil
	case MetricWinRate:
		return report.Trades.WinRate, !report.Trades.Empty, nil
	case MetricSharpe:
		return report.Equity.Sharpe, !report.Equity.Empty, nil
	default:
		return 0, false, fmt.Errorf("optimize: unknown metric %q", metric)
	}
}

// better reports whether candidate beats incumbent. Defined beats
// undefined; metric ties break toward the higher trade count.
func better(candValue float64, candDefined bool, candTrades int, incValue float64, incDefined bool, incTrades int) bool {
	if candDefined != incDefined {
		return candDefined
	}
	if candValue != incValue {
		return candValue > incValue
	}
	return candTrades > incTrades
}
