// Package analytics computes performance statistics over a finished run's
// closed-trade ledger and equity curve. Everything here is a pure
// function: same ledger in, same numbers out, and empty inputs produce
// zeroed results with the Empty flag set instead of errors.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/account"
)

// TradeMetrics summarizes the ledger trade by trade.
type TradeMetrics struct {
	Empty bool `json:"empty"`

	TotalTrades int `json:"total_trades"`
	Winners     int `json:"winners"`
	Losers      int `json:"losers"`
	Breakeven   int `json:"breakeven"`

	WinRate float64 `json:"win_rate"` // percent

	GrossProfit decimal.Decimal `json:"gross_profit"`
	GrossLoss   decimal.Decimal `json:"gross_loss"` // negative or zero
	NetProfit   decimal.Decimal `json:"net_profit"`

	ProfitFactor    float64 `json:"profit_factor"`
	HasProfitFactor bool    `json:"has_profit_factor"` // false when gross loss is zero

	Expectancy   decimal.Decimal `json:"expectancy"`
	AvgWin       decimal.Decimal `json:"avg_win"`
	AvgLoss      decimal.Decimal `json:"avg_loss"`
	AvgRMultiple decimal.Decimal `json:"avg_r_multiple"`

	// Sharpe and Sortino over per-trade percentage returns, unannualized.
	TradeSharpe  float64 `json:"trade_sharpe"`
	TradeSortino float64 `json:"trade_sortino"`

	AvgHold time.Duration `json:"avg_hold"`
	MaxHold time.Duration `json:"max_hold"`
}

// ComputeTradeMetrics runs the per-trade statistics.
func ComputeTradeMetrics(trades []account.ClosedTrade) TradeMetrics {
	if len(trades) == 0 {
		return TradeMetrics{Empty: true}
	}

	m := TradeMetrics{TotalTrades: len(trades)}
	var (
		rSum      decimal.Decimal
		returns   []float64
		holdSum   time.Duration
	)

	for _, t := range trades {
		switch {
		case t.PnL.IsPositive():
			m.Winners++
			m.GrossProfit = m.GrossProfit.Add(t.PnL)
		case t.PnL.IsNegative():
			m.Losers++
			m.GrossLoss = m.GrossLoss.Add(t.PnL)
		default:
			m.Breakeven++
		}
		m.NetProfit = m.NetProfit.Add(t.PnL)
		rSum = rSum.Add(t.RMultiple)

		pct, _ := t.PnLPct.Float64()
		returns = append(returns, pct/100)

		hold := t.ExitTime.Sub(t.EntryTime)
		holdSum += hold
		if hold > m.MaxHold {
			m.MaxHold = hold
		}
	}

	n := decimal.NewFromInt(int64(m.TotalTrades))
	m.WinRate = float64(m.Winners) / float64(m.TotalTrades) * 100
	m.Expectancy = m.NetProfit.Div(n).Round(2)
	m.AvgRMultiple = rSum.Div(n).Round(2)
	m.AvgHold = holdSum / time.Duration(m.TotalTrades)

	if m.Winners > 0 {
		m.AvgWin = m.GrossProfit.Div(decimal.NewFromInt(int64(m.Winners))).Round(2)
	}
	if m.Losers > 0 {
		m.AvgLoss = m.GrossLoss.Div(decimal.NewFromInt(int64(m.Losers))).Round(2)
	}
	if m.GrossLoss.IsNegative() {
		pf, _ := m.GrossProfit.Div(m.GrossLoss.Abs()).Float64()
		m.ProfitFactor = pf
		m.HasProfitFactor = true
	}

	mean, std := meanStd(returns)
	if std > 0 {
		m.TradeSharpe = mean / std
	}
	if down := downsideDev(returns, 0); down > 0 {
		m.TradeSortino = mean / down
	}

	m.GrossProfit = m.GrossProfit.Round(2)
	m.GrossLoss = m.GrossLoss.Round(2)
	m.NetProfit = m.NetProfit.Round(2)
	return m
}

// chronological returns the ledger sorted by exit time ascending. The
// account prepends new closes, so the stored order is newest first.
func chronological(trades []account.ClosedTrade) []account.ClosedTrade {
	out := make([]account.ClosedTrade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(a, b int) bool { return out[a].ExitTime.Before(out[b].ExitTime) })
	return out
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var varSum float64
	for _, x := range xs {
		d := x - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(len(xs)))
}

// downsideDev is the root-mean-square of returns below the target.
func downsideDev(xs []float64, target float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		if x < target {
			d := x - target
			sum += d * d
		}
	}
	return math.Sqrt(sum / float64(len(xs)))
}
