package analytics

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/account"
	"github.com/sammarten/signal/internal/market"
)

// BucketStats are the shared per-partition statistics of the time and
// signal breakdowns.
type BucketStats struct {
	Key     string `json:"key"`
	Count   int    `json:"count"`
	Winners int    `json:"winners"`

	WinRate float64 `json:"win_rate"` // percent

	NetProfit decimal.Decimal `json:"net_profit"`

	ProfitFactor    float64 `json:"profit_factor"`
	HasProfitFactor bool    `json:"has_profit_factor"`
}

// TimeAnalysis partitions trades by when they were entered, in ET.
type TimeAnalysis struct {
	Empty bool `json:"empty"`

	ByEntrySlot []BucketStats `json:"by_entry_slot"` // 15-minute buckets
	ByWeekday   []BucketStats `json:"by_weekday"`
	ByMonth     []BucketStats `json:"by_month"`

	BestSlot  string `json:"best_slot"`
	WorstSlot string `json:"worst_slot"`
}

// SignalAnalysis partitions trades by what generated them.
type SignalAnalysis struct {
	Empty bool `json:"empty"`

	ByStrategy  []BucketStats `json:"by_strategy"`
	BySymbol    []BucketStats `json:"by_symbol"`
	ByDirection []BucketStats `json:"by_direction"`
}

// ComputeTimeAnalysis buckets trades by entry slot, weekday, and month.
func ComputeTimeAnalysis(trades []account.ClosedTrade) TimeAnalysis {
	if len(trades) == 0 {
		return TimeAnalysis{Empty: true}
	}

	a := TimeAnalysis{
		ByEntrySlot: bucketize(trades, entrySlot),
		ByWeekday: bucketize(trades, func(t account.ClosedTrade) string {
			return market.ToEastern(t.EntryTime).Weekday().String()
		}),
		ByMonth: bucketize(trades, func(t account.ClosedTrade) string {
			et := market.ToEastern(t.EntryTime)
			return fmt.Sprintf("%04d-%02d", et.Year(), int(et.Month()))
		}),
	}

	best, worst := decimal.Decimal{}, decimal.Decimal{}
	for i, b := range a.ByEntrySlot {
		if i == 0 || b.NetProfit.GreaterThan(best) {
			best = b.NetProfit
			a.BestSlot = b.Key
		}
		if i == 0 || b.NetProfit.LessThan(worst) {
			worst = b.NetProfit
			a.WorstSlot = b.Key
		}
	}
	return a
}

// ComputeSignalAnalysis buckets trades by strategy, symbol, and
// direction.
func ComputeSignalAnalysis(trades []account.ClosedTrade) SignalAnalysis {
	if len(trades) == 0 {
		return SignalAnalysis{Empty: true}
	}
	return SignalAnalysis{
		ByStrategy: bucketize(trades, func(t account.ClosedTrade) string { return t.StrategyID }),
		BySymbol:   bucketize(trades, func(t account.ClosedTrade) string { return t.Symbol }),
		ByDirection: bucketize(trades, func(t account.ClosedTrade) string {
			return string(t.Direction)
		}),
	}
}

// entrySlot is the 15-minute ET bucket of the entry time, e.g. "09:30".
func entrySlot(t account.ClosedTrade) string {
	et := market.ToEastern(t.EntryTime)
	minute := et.Minute() / 15 * 15
	return fmt.Sprintf("%02d:%02d", et.Hour(), minute)
}

// bucketize groups trades by key and computes per-bucket statistics,
// keys sorted ascending for deterministic output.
func bucketize(trades []account.ClosedTrade, key func(account.ClosedTrade) string) []BucketStats {
	type agg struct {
		stats       BucketStats
		grossProfit decimal.Decimal
		grossLoss   decimal.Decimal
	}
	byKey := make(map[string]*agg)
	for _, t := range trades {
		k := key(t)
		a, ok := byKey[k]
		if !ok {
			a = &agg{stats: BucketStats{Key: k}}
			byKey[k] = a
		}
		a.stats.Count++
		a.stats.NetProfit = a.stats.NetProfit.Add(t.PnL)
		switch {
		case t.PnL.IsPositive():
			a.stats.Winners++
			a.grossProfit = a.grossProfit.Add(t.PnL)
		case t.PnL.IsNegative():
			a.grossLoss = a.grossLoss.Add(t.PnL)
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]BucketStats, 0, len(keys))
	for _, k := range keys {
		a := byKey[k]
		a.stats.WinRate = float64(a.stats.Winners) / float64(a.stats.Count) * 100
		a.stats.NetProfit = a.stats.NetProfit.Round(2)
		if a.grossLoss.IsNegative() {
			pf, _ := a.grossProfit.Div(a.grossLoss.Abs()).Float64()
			a.stats.ProfitFactor = pf
			a.stats.HasProfitFactor = true
		}
		out = append(out, a.stats)
	}
	return out
}
