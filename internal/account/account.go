// Package account implements the virtual trading account: risk-based
// position sizing, cash and equity bookkeeping, the closed-trade ledger,
// and the equity curve. All money math is exact decimal; values round to
// two places only when a ledger record is written.
package account

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/market"
)

// Errors surfaced to the simulator. ErrInvalidStop and
// ErrInsufficientFunds drop the individual signal; ErrNotFound on a close
// is a programming bug upstream.
var (
	ErrInvalidStop       = errors.New("account: stop equals entry, zero price risk")
	ErrInsufficientFunds = errors.New("account: cannot afford a single share")
	ErrNotFound          = errors.New("account: unknown trade id")
	ErrInvalidShares     = errors.New("account: shares to exit must be a positive integer within remaining size")
)

// TradeStatus is the terminal classification of a closed trade.
type TradeStatus string

const (
	StatusStoppedOut      TradeStatus = "stopped_out"
	StatusTrailingStopped TradeStatus = "trailing_stopped"
	StatusTargetHit       TradeStatus = "target_hit"
	StatusTimeExit        TradeStatus = "time_exit"
	StatusManualExit      TradeStatus = "manual_exit"
)

// StatusForReason maps an exit reason string to the ledger status:
// target_* fills finalize as target_hit, a trailing stop as
// trailing_stopped, a breakeven stop as plain stopped_out; recognized
// statuses pass through.
func StatusForReason(reason string) TradeStatus {
	switch {
	case strings.HasPrefix(reason, "target_"):
		return StatusTargetHit
	case reason == "trailing_stop":
		return StatusTrailingStopped
	case reason == "breakeven_stop", reason == "stop_loss":
		return StatusStoppedOut
	case reason == "time_exit":
		return StatusTimeExit
	case reason == "manual_exit":
		return StatusManualExit
	default:
		return TradeStatus(reason)
	}
}

// Trade is an open position from the account's point of view.
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Direction  market.Direction `json:"direction"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	EntryTime  time.Time       `json:"entry_time"`
	Size       int64           `json:"size"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	RiskAmount decimal.Decimal `json:"risk_amount"`
	StrategyID string          `json:"strategy_id"`

	originalSize int64
	initialStop  decimal.Decimal
	partials     []PartialExit
}

// OriginalSize is the size at entry, before any partial exits.
func (t *Trade) OriginalSize() int64 { return t.originalSize }

// Partials returns the partial exits applied so far.
func (t *Trade) Partials() []PartialExit { return t.partials }

// PartialExit is one scale-out applied to an open trade.
type PartialExit struct {
	TradeID        string          `json:"trade_id"`
	ExitTime       time.Time       `json:"exit_time"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	SharesExited   int64           `json:"shares_exited"`
	RemainingAfter int64           `json:"remaining_after"`
	Reason         string          `json:"reason"`
	TargetIndex    int             `json:"target_index"`
	HasTargetIndex bool            `json:"has_target_index"`
	PnL            decimal.Decimal `json:"pnl"`
	RMultiple      decimal.Decimal `json:"r_multiple"`
}

// ClosedTrade is the immutable ledger record written when a position fully
// closes.
type ClosedTrade struct {
	ID         string           `json:"id"`
	Symbol     string           `json:"symbol"`
	Direction  market.Direction `json:"direction"`
	StrategyID string           `json:"strategy_id"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	EntryTime  time.Time       `json:"entry_time"`
	Size       int64           `json:"size"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	ExitTime   time.Time       `json:"exit_time"`
	Status     TradeStatus     `json:"status"`

	PnL       decimal.Decimal `json:"pnl"`
	PnLPct    decimal.Decimal `json:"pnl_pct"`
	RMultiple decimal.Decimal `json:"r_multiple"`

	InitialStop          decimal.Decimal `json:"initial_stop"`
	FinalStop            decimal.Decimal `json:"final_stop"`
	StopMovedToBreakeven bool            `json:"stop_moved_to_breakeven"`
	MaxFavorableR        decimal.Decimal `json:"max_favorable_r"`
	MaxAdverseR          decimal.Decimal `json:"max_adverse_r"`

	PartialExitCount int           `json:"partial_exit_count"`
	PartialExits     []PartialExit `json:"partial_exits,omitempty"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// Account is the virtual account for one run. Not safe for concurrent use;
// one run owns one account.
type Account struct {
	InitialCapital decimal.Decimal
	RiskPerTrade   decimal.Decimal // fraction of equity risked per trade
	Unlimited      bool

	Equity decimal.Decimal
	Cash   decimal.Decimal

	open        map[string]*Trade
	openOrder   []string // creation order, for deterministic iteration
	closed      []ClosedTrade
	equityCurve []EquityPoint
	tradeCount  int
}

// New builds an account. In unlimited mode sizing is fixed at one share
// and cash is unconstrained.
func New(initialCapital, riskPerTrade decimal.Decimal, unlimited bool) *Account {
	return &Account{
		InitialCapital: initialCapital,
		RiskPerTrade:   riskPerTrade,
		Unlimited:      unlimited,
		Equity:         initialCapital,
		Cash:           initialCapital,
		open:           make(map[string]*Trade),
	}
}

// OpenParams is everything needed to open a position.
type OpenParams struct {
	TradeID    string
	Symbol     string
	Direction  market.Direction
	EntryPrice decimal.Decimal
	EntryTime  time.Time
	StopLoss   decimal.Decimal
	StrategyID string
}

// OpenPosition sizes and opens a trade. Normal mode risks
// equity*riskPerTrade against the per-share risk, caps the notional at
// available cash, and fails with ErrInsufficientFunds when even one share
// is unaffordable. Unlimited mode always opens one share.
func (a *Account) OpenPosition(p OpenParams) (*Trade, error) {
	if p.TradeID == "" || p.Symbol == "" || p.EntryTime.IsZero() {
		return nil, fmt.Errorf("account: missing required open fields (id=%q symbol=%q)", p.TradeID, p.Symbol)
	}
	if _, exists := a.open[p.TradeID]; exists {
		return nil, fmt.Errorf("account: duplicate trade id %s", p.TradeID)
	}
	priceRisk := p.EntryPrice.Sub(p.StopLoss).Abs()
	if !priceRisk.IsPositive() {
		return nil, ErrInvalidStop
	}

	var (
		size       int64
		riskAmount decimal.Decimal
	)
	if a.Unlimited {
		size = 1
		riskAmount = priceRisk
	} else {
		riskAmount = a.Equity.Mul(a.RiskPerTrade)
		size = riskAmount.Div(priceRisk).Floor().IntPart()
		if size < 1 {
			size = 1
		}
		notional := p.EntryPrice.Mul(decimal.NewFromInt(size))
		if notional.GreaterThan(a.Cash) {
			size = a.Cash.Div(p.EntryPrice).Floor().IntPart()
			if size < 1 {
				return nil, ErrInsufficientFunds
			}
		}
	}

	trade := &Trade{
		ID:           p.TradeID,
		Symbol:       p.Symbol,
		Direction:    p.Direction,
		EntryPrice:   p.EntryPrice,
		EntryTime:    p.EntryTime,
		Size:         size,
		StopLoss:     p.StopLoss,
		RiskAmount:   riskAmount,
		StrategyID:   p.StrategyID,
		originalSize: size,
		initialStop:  p.StopLoss,
	}

	if !a.Unlimited {
		a.Cash = a.Cash.Sub(p.EntryPrice.Mul(decimal.NewFromInt(size)))
	}
	a.open[p.TradeID] = trade
	a.openOrder = append(a.openOrder, p.TradeID)
	a.tradeCount++
	return trade, nil
}

// CloseParams finalizes a whole position.
type CloseParams struct {
	ExitPrice decimal.Decimal
	ExitTime  time.Time
	Status    TradeStatus

	// Tracking fields carried from the position state into the ledger.
	InitialStop          decimal.Decimal
	FinalStop            decimal.Decimal
	StopMovedToBreakeven bool
	MaxFavorableR        decimal.Decimal
	MaxAdverseR          decimal.Decimal
}

// ClosePosition closes the remaining shares of a trade and writes the
// ledger record.
func (a *Account) ClosePosition(id string, p CloseParams) (ClosedTrade, error) {
	trade, ok := a.open[id]
	if !ok {
		return ClosedTrade{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	size := decimal.NewFromInt(trade.Size)
	pnl := tradePnL(trade.Direction, trade.EntryPrice, p.ExitPrice, size)

	if !a.Unlimited {
		// Return the reserved notional plus the realized result.
		a.Cash = a.Cash.Add(trade.EntryPrice.Mul(size)).Add(pnl)
	}
	a.Equity = a.Equity.Add(pnl)

	realized := pnl
	for _, pe := range trade.partials {
		realized = realized.Add(pe.PnL)
	}

	closed := ClosedTrade{
		ID:                   trade.ID,
		Symbol:               trade.Symbol,
		Direction:            trade.Direction,
		StrategyID:           trade.StrategyID,
		EntryPrice:           trade.EntryPrice,
		EntryTime:            trade.EntryTime,
		Size:                 trade.originalSize,
		ExitPrice:            p.ExitPrice,
		ExitTime:             p.ExitTime,
		Status:               p.Status,
		PnL:                  realized.Round(2),
		PnLPct:               pnlPct(realized, trade.EntryPrice, trade.originalSize),
		RMultiple:            rMultiple(realized, trade.RiskAmount),
		InitialStop:          p.InitialStop,
		FinalStop:            p.FinalStop,
		StopMovedToBreakeven: p.StopMovedToBreakeven,
		MaxFavorableR:        p.MaxFavorableR.Round(2),
		MaxAdverseR:          p.MaxAdverseR.Round(2),
		PartialExitCount:     len(trade.partials),
		PartialExits:         trade.partials,
	}

	delete(a.open, id)
	a.removeFromOrder(id)
	a.closed = append([]ClosedTrade{closed}, a.closed...)
	return closed, nil
}

// PartialParams scales out part of a position.
type PartialParams struct {
	ExitPrice    decimal.Decimal
	ExitTime     time.Time
	SharesToExit int64
	Reason       string
	TargetIndex  int
	HasTarget    bool

	// Tracking fields used only when the partial empties the position and
	// it finalizes as a closed trade.
	InitialStop          decimal.Decimal
	FinalStop            decimal.Decimal
	StopMovedToBreakeven bool
	MaxFavorableR        decimal.Decimal
	MaxAdverseR          decimal.Decimal
}

// PartialClose exits shares from an open trade. When the remaining size
// reaches zero the trade finalizes with a status mapped from the reason,
// and the returned ClosedTrade pointer is non-nil.
func (a *Account) PartialClose(id string, p PartialParams) (PartialExit, *ClosedTrade, error) {
	trade, ok := a.open[id]
	if !ok {
		return PartialExit{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.SharesToExit < 1 || p.SharesToExit > trade.Size {
		return PartialExit{}, nil, fmt.Errorf("%w: %d of %d", ErrInvalidShares, p.SharesToExit, trade.Size)
	}

	shares := decimal.NewFromInt(p.SharesToExit)
	pnl := tradePnL(trade.Direction, trade.EntryPrice, p.ExitPrice, shares)

	if !a.Unlimited {
		a.Cash = a.Cash.Add(trade.EntryPrice.Mul(shares)).Add(pnl)
	}
	a.Equity = a.Equity.Add(pnl)
	trade.Size -= p.SharesToExit

	// R is always measured against the initial risk, not a stop that has
	// since trailed.
	perShareRisk := trade.EntryPrice.Sub(trade.initialStop).Abs()
	partial := PartialExit{
		TradeID:        trade.ID,
		ExitTime:       p.ExitTime,
		ExitPrice:      p.ExitPrice,
		SharesExited:   p.SharesToExit,
		RemainingAfter: trade.Size,
		Reason:         p.Reason,
		TargetIndex:    p.TargetIndex,
		HasTargetIndex: p.HasTarget,
		PnL:            pnl.Round(2),
		RMultiple:      rMultiple(pnl, perShareRisk.Mul(shares)),
	}
	trade.partials = append(trade.partials, partial)

	if trade.Size == 0 {
		closed, err := a.finalizeEmptied(trade, p)
		if err != nil {
			return partial, nil, err
		}
		return partial, &closed, nil
	}
	return partial, nil, nil
}

// finalizeEmptied writes the ledger record for a trade whose last shares
// left via a partial exit. Cash and equity were already settled per
// partial, so this only assembles the record.
func (a *Account) finalizeEmptied(trade *Trade, p PartialParams) (ClosedTrade, error) {
	realized := decimal.Zero
	for _, pe := range trade.partials {
		realized = realized.Add(pe.PnL)
	}

	closed := ClosedTrade{
		ID:                   trade.ID,
		Symbol:               trade.Symbol,
		Direction:            trade.Direction,
		StrategyID:           trade.StrategyID,
		EntryPrice:           trade.EntryPrice,
		EntryTime:            trade.EntryTime,
		Size:                 trade.originalSize,
		ExitPrice:            p.ExitPrice,
		ExitTime:             p.ExitTime,
		Status:               StatusForReason(p.Reason),
		PnL:                  realized.Round(2),
		PnLPct:               pnlPct(realized, trade.EntryPrice, trade.originalSize),
		RMultiple:            rMultiple(realized, trade.RiskAmount),
		InitialStop:          p.InitialStop,
		FinalStop:            p.FinalStop,
		StopMovedToBreakeven: p.StopMovedToBreakeven,
		MaxFavorableR:        p.MaxFavorableR.Round(2),
		MaxAdverseR:          p.MaxAdverseR.Round(2),
		PartialExitCount:     len(trade.partials),
		PartialExits:         trade.partials,
	}

	delete(a.open, trade.ID)
	a.removeFromOrder(trade.ID)
	a.closed = append([]ClosedTrade{closed}, a.closed...)
	return closed, nil
}

// UpdateStop replaces the stored protective stop, used by trailing and
// breakeven transitions.
func (a *Account) UpdateStop(id string, newStop decimal.Decimal) error {
	trade, ok := a.open[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	trade.StopLoss = newStop
	return nil
}

// RecordEquity appends a curve sample. Open positions are not
// marked-to-market; the curve steps only at realized P&L.
func (a *Account) RecordEquity(ts time.Time) {
	a.equityCurve = append(a.equityCurve, EquityPoint{Time: ts, Equity: a.Equity})
}

// Open returns an open trade.
func (a *Account) Open(id string) (*Trade, bool) {
	t, ok := a.open[id]
	return t, ok
}

// OpenIDs returns open trade ids in creation order.
func (a *Account) OpenIDs() []string {
	out := make([]string, len(a.openOrder))
	copy(out, a.openOrder)
	return out
}

// OpenCount returns the number of open positions.
func (a *Account) OpenCount() int { return len(a.open) }

// Closed returns the ledger, most recent first.
func (a *Account) Closed() []ClosedTrade { return a.closed }

// EquityCurve returns the recorded curve in time order.
func (a *Account) EquityCurve() []EquityPoint { return a.equityCurve }

// TradeCount returns how many positions have been opened on this account.
func (a *Account) TradeCount() int { return a.tradeCount }

func (a *Account) removeFromOrder(id string) {
	for i, v := range a.openOrder {
		if v == id {
			a.openOrder = append(a.openOrder[:i], a.openOrder[i+1:]...)
			return
		}
	}
}

// tradePnL is (exit-entry)*size for longs, (entry-exit)*size for shorts,
// unrounded.
func tradePnL(dir market.Direction, entry, exit, size decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if dir == market.Short {
		diff = entry.Sub(exit)
	}
	return diff.Mul(size)
}

// pnlPct is pnl / (entry*size) * 100, two places.
func pnlPct(pnl, entry decimal.Decimal, size int64) decimal.Decimal {
	basis := entry.Mul(decimal.NewFromInt(size))
	if basis.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(basis).Mul(decimal.NewFromInt(100)).Round(2)
}

// rMultiple is pnl / riskAmount, two places.
func rMultiple(pnl, riskAmount decimal.Decimal) decimal.Decimal {
	if riskAmount.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(riskAmount).Round(2)
}
