package account

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/market"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var t0 = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func openLong(t *testing.T, a *Account, id, entry, stop string) *Trade {
	t.Helper()
	trade, err := a.OpenPosition(OpenParams{
		TradeID:    id,
		Symbol:     "TEST",
		Direction:  market.Long,
		EntryPrice: d(entry),
		EntryTime:  t0,
		StopLoss:   d(stop),
		StrategyID: "orb_breakout",
	})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	return trade
}

func TestRiskBasedSizing(t *testing.T) {
	// 100k equity, 1% risk = 1000 risked; 1.10 per-share risk -> 909.
	a := New(d("100000"), d("0.01"), false)
	trade := openLong(t, a, "t1", "100.10", "99.00")
	if trade.Size != 909 {
		t.Errorf("size = %d, want 909", trade.Size)
	}
	wantCash := d("100000").Sub(d("100.10").Mul(d("909")))
	if !a.Cash.Equal(wantCash) {
		t.Errorf("cash = %s, want %s", a.Cash, wantCash)
	}
	if !a.Equity.Equal(d("100000")) {
		t.Error("equity must not move on open")
	}
}

func TestSizingCappedByCash(t *testing.T) {
	// Risk allows 1000 shares but cash only covers 50.
	a := New(d("5000"), d("0.20"), false)
	trade := openLong(t, a, "t1", "100.00", "99.00")
	if trade.Size != 50 {
		t.Errorf("size = %d, want cash-capped 50", trade.Size)
	}
}

func TestInsufficientFunds(t *testing.T) {
	a := New(d("50"), d("0.01"), false)
	_, err := a.OpenPosition(OpenParams{
		TradeID: "t1", Symbol: "TEST", Direction: market.Long,
		EntryPrice: d("100.00"), EntryTime: t0, StopLoss: d("99.00"),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("error = %v, want ErrInsufficientFunds", err)
	}
	if a.OpenCount() != 0 || a.TradeCount() != 0 {
		t.Error("failed open must not mutate the account")
	}
}

func TestInvalidStop(t *testing.T) {
	a := New(d("100000"), d("0.01"), false)
	_, err := a.OpenPosition(OpenParams{
		TradeID: "t1", Symbol: "TEST", Direction: market.Long,
		EntryPrice: d("100.00"), EntryTime: t0, StopLoss: d("100.00"),
	})
	if !errors.Is(err, ErrInvalidStop) {
		t.Errorf("error = %v, want ErrInvalidStop", err)
	}
}

func TestUnlimitedModeSingleShare(t *testing.T) {
	a := New(d("0"), d("0"), true)
	trade := openLong(t, a, "t1", "100.10", "99.00")
	if trade.Size != 1 {
		t.Errorf("size = %d, want 1 in unlimited mode", trade.Size)
	}
	if !trade.RiskAmount.Equal(d("1.10")) {
		t.Errorf("risk amount = %s, want per-share risk 1.10", trade.RiskAmount)
	}
	// Two overlapping positions on the same symbol are both tracked.
	openLong(t, a, "t2", "100.50", "99.50")
	if a.OpenCount() != 2 {
		t.Errorf("open count = %d, want 2", a.OpenCount())
	}
}

func TestCloseComputesPnLAndRestoresCash(t *testing.T) {
	// Entry 100.10, risk 1.10/share, 10 shares,
	// exit 102.00.
	a := New(d("100000"), d("0.01"), false)
	a.Unlimited = false
	trade := openLong(t, a, "t1", "100.10", "99.00")
	// Force the scenario's 10 shares.
	trade.Size = 10
	trade.originalSize = 10
	trade.RiskAmount = d("11.00")
	a.Cash = d("100000").Sub(d("100.10").Mul(d("10")))

	closed, err := a.ClosePosition("t1", CloseParams{
		ExitPrice: d("102.00"), ExitTime: t0.Add(time.Minute), Status: StatusTargetHit,
	})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !closed.PnL.Equal(d("19.00")) {
		t.Errorf("pnl = %s, want 19.00", closed.PnL)
	}
	if !closed.RMultiple.Equal(d("1.73")) {
		t.Errorf("r = %s, want 1.73", closed.RMultiple)
	}
	if !a.Equity.Equal(d("100019.00")) {
		t.Errorf("equity = %s, want 100019.00", a.Equity)
	}
	if !a.Cash.Equal(d("100019.00")) {
		t.Errorf("cash = %s, want 100019.00 after full close", a.Cash)
	}
	if a.OpenCount() != 0 || len(a.Closed()) != 1 {
		t.Error("ledger bookkeeping off after close")
	}
}

func TestShortPnL(t *testing.T) {
	// Short 20 at 50.00, stopped at 51.50.
	a := New(d("100000"), d("0.01"), false)
	trade, err := a.OpenPosition(OpenParams{
		TradeID: "t1", Symbol: "TEST", Direction: market.Short,
		EntryPrice: d("50.00"), EntryTime: t0, StopLoss: d("51.00"),
	})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	trade.Size = 20
	trade.originalSize = 20

	closed, err := a.ClosePosition("t1", CloseParams{
		ExitPrice: d("51.50"), ExitTime: t0.Add(time.Minute), Status: StatusStoppedOut,
	})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !closed.PnL.Equal(d("-30.00")) {
		t.Errorf("pnl = %s, want -30.00", closed.PnL)
	}
	if closed.Status != StatusStoppedOut {
		t.Errorf("status = %s, want stopped_out", closed.Status)
	}
}

func TestPartialCloseAndFinalize(t *testing.T) {
	// 100 shares at 100.00; 50 out at 101.00, remaining
	// 50 stopped at 100.05. Total realized 52.50.
	a := New(d("100000"), d("0.01"), false)
	trade := openLong(t, a, "t1", "100.00", "99.00")
	trade.Size = 100
	trade.originalSize = 100
	trade.RiskAmount = d("100.00")
	a.Cash = d("100000").Sub(d("100.00").Mul(d("100")))

	partial, closed, err := a.PartialClose("t1", PartialParams{
		ExitPrice: d("101.00"), ExitTime: t0.Add(time.Minute),
		SharesToExit: 50, Reason: "target_1", TargetIndex: 0, HasTarget: true,
	})
	if err != nil {
		t.Fatalf("PartialClose: %v", err)
	}
	if closed != nil {
		t.Fatal("first partial must not finalize")
	}
	if !partial.PnL.Equal(d("50.00")) || partial.RemainingAfter != 50 {
		t.Errorf("partial = %+v, want +50.00 with 50 remaining", partial)
	}

	_, closedPtr, err := a.PartialClose("t1", PartialParams{
		ExitPrice: d("100.05"), ExitTime: t0.Add(2 * time.Minute),
		SharesToExit: 50, Reason: "breakeven_stop",
	})
	if err != nil {
		t.Fatalf("final PartialClose: %v", err)
	}
	if closedPtr == nil {
		t.Fatal("emptying partial must finalize the trade")
	}
	if closedPtr.Status != StatusStoppedOut {
		t.Errorf("status = %s, want stopped_out from breakeven_stop", closedPtr.Status)
	}
	if !closedPtr.PnL.Equal(d("52.50")) {
		t.Errorf("total pnl = %s, want 52.50", closedPtr.PnL)
	}
	if closedPtr.PartialExitCount != 2 {
		t.Errorf("partial count = %d, want 2", closedPtr.PartialExitCount)
	}
	if !a.Equity.Equal(d("100052.50")) {
		t.Errorf("equity = %s, want 100052.50", a.Equity)
	}
	if !a.Cash.Equal(d("100052.50")) {
		t.Errorf("cash = %s, want all returned plus pnl", a.Cash)
	}
}

func TestPartialCloseValidation(t *testing.T) {
	a := New(d("100000"), d("0.01"), false)
	trade := openLong(t, a, "t1", "100.00", "99.00")

	_, _, err := a.PartialClose("t1", PartialParams{ExitPrice: d("101"), ExitTime: t0, SharesToExit: 0})
	if !errors.Is(err, ErrInvalidShares) {
		t.Errorf("zero shares error = %v, want ErrInvalidShares", err)
	}
	_, _, err = a.PartialClose("t1", PartialParams{ExitPrice: d("101"), ExitTime: t0, SharesToExit: trade.Size + 1})
	if !errors.Is(err, ErrInvalidShares) {
		t.Errorf("oversize error = %v, want ErrInvalidShares", err)
	}
	_, _, err = a.PartialClose("missing", PartialParams{ExitPrice: d("101"), ExitTime: t0, SharesToExit: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id error = %v, want ErrNotFound", err)
	}
}

func TestConservation(t *testing.T) {
	// cash + open notional == equity at every close boundary.
	a := New(d("100000"), d("0.001"), false)
	openLong(t, a, "t1", "100.00", "99.00")
	openLong(t, a, "t2", "50.00", "49.50")

	check := func() {
		notional := decimal.Zero
		for _, id := range a.OpenIDs() {
			tr, _ := a.Open(id)
			notional = notional.Add(tr.EntryPrice.Mul(decimal.NewFromInt(tr.Size)))
		}
		total := a.Cash.Add(notional)
		if !total.Equal(a.Equity) {
			t.Errorf("cash %s + notional %s = %s, want equity %s", a.Cash, notional, total, a.Equity)
		}
	}
	check()

	if _, err := a.ClosePosition("t1", CloseParams{ExitPrice: d("101.00"), ExitTime: t0, Status: StatusTargetHit}); err != nil {
		t.Fatalf("close t1: %v", err)
	}
	check()

	if _, _, err := a.PartialClose("t2", PartialParams{ExitPrice: d("50.40"), ExitTime: t0, SharesToExit: 100, Reason: "target_1"}); err != nil {
		t.Fatalf("partial t2: %v", err)
	}
	check()
}

func TestStatusForReason(t *testing.T) {
	tests := []struct {
		reason string
		want   TradeStatus
	}{
		{"target_1", StatusTargetHit},
		{"target_3", StatusTargetHit},
		{"trailing_stop", StatusTrailingStopped},
		{"breakeven_stop", StatusStoppedOut},
		{"stop_loss", StatusStoppedOut},
		{"time_exit", StatusTimeExit},
		{"manual_exit", StatusManualExit},
	}
	for _, tt := range tests {
		if got := StatusForReason(tt.reason); got != tt.want {
			t.Errorf("StatusForReason(%q) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

func TestUpdateStopAndEquityCurve(t *testing.T) {
	a := New(d("100000"), d("0.01"), false)
	openLong(t, a, "t1", "100.00", "99.00")

	if err := a.UpdateStop("t1", d("99.50")); err != nil {
		t.Fatalf("UpdateStop: %v", err)
	}
	tr, _ := a.Open("t1")
	if !tr.StopLoss.Equal(d("99.50")) {
		t.Errorf("stop = %s, want 99.50", tr.StopLoss)
	}
	if err := a.UpdateStop("missing", d("1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStop missing = %v, want ErrNotFound", err)
	}

	a.RecordEquity(t0)
	a.RecordEquity(t0.Add(time.Minute))
	curve := a.EquityCurve()
	if len(curve) != 2 {
		t.Fatalf("curve length = %d, want 2", len(curve))
	}
	if !curve[0].Equity.Equal(d("100000")) {
		t.Errorf("curve[0] = %s, want 100000", curve[0].Equity)
	}
}

func TestPnLPctRounding(t *testing.T) {
	a := New(d("100000"), d("0.01"), false)
	trade := openLong(t, a, "t1", "100.10", "99.00")
	trade.Size = 10
	trade.originalSize = 10

	closed, err := a.ClosePosition("t1", CloseParams{ExitPrice: d("102.00"), ExitTime: t0, Status: StatusTargetHit})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	// 19.00 / 1001.00 * 100 = 1.8981... -> 1.90
	if !closed.PnLPct.Equal(d("1.90")) {
		t.Errorf("pnl pct = %s, want 1.90", closed.PnLPct)
	}
}
