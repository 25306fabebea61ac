package analytics

import (
	"github.com/sammarten/signal/internal/account"
)

// Report bundles every analytics section for one completed run.
type Report struct {
	Trades   TradeMetrics    `json:"trade_metrics"`
	Drawdown DrawdownMetrics `json:"drawdown"`
	Equity   EquityMetrics   `json:"equity_curve"`
	Time     TimeAnalysis    `json:"time_analysis"`
	Signals  SignalAnalysis  `json:"signal_analysis"`
}

// BuildReport runs the full pipeline. Deterministic and side-effect free:
// re-running over the same ledger yields an identical report.
func BuildReport(trades []account.ClosedTrade, curve []account.EquityPoint) Report {
	dd := ComputeDrawdown(curve, trades)
	return Report{
		Trades:   ComputeTradeMetrics(trades),
		Drawdown: dd,
		Equity:   ComputeEquityMetrics(curve, dd.MaxDrawdown, 0),
		Time:     ComputeTimeAnalysis(trades),
		Signals:  ComputeSignalAnalysis(trades),
	}
}
