package sim

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/account"
	"github.com/sammarten/signal/internal/clock"
	"github.com/sammarten/signal/internal/market"
)

// tradingBar builds a bar at 09:30 ET + offset minutes on 2024-06-03.
func tradingBar(minuteOffset int, open, high, low, close string) market.Bar {
	return market.Bar{
		Symbol:  "AAPL",
		BarTime: time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC).Add(time.Duration(minuteOffset) * time.Minute),
		Open:    d(open), High: d(high), Low: d(low), Close: d(close),
		Volume:  1000,
		Session: market.SessionRegular,
	}
}

func newSim(t *testing.T, unlimited bool) (*Simulator, *account.Account, *clock.Clock) {
	t.Helper()
	clk := clock.New()
	capital := decimal.NewFromInt(100000)
	risk := decimal.RequireFromString("0.01")
	acct := account.New(capital, risk, unlimited)
	return New(DefaultConfig(), clk, acct), acct, clk
}

func drive(t *testing.T, s *Simulator, clk *clock.Clock, bars ...market.Bar) {
	t.Helper()
	for _, b := range bars {
		if err := clk.Advance(b.BarTime); err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if err := s.OnBar(b); err != nil {
			t.Fatalf("OnBar: %v", err)
		}
	}
}

func longSignal(id string, generatedOffset int, entry, stop, target string) Signal {
	return Signal{
		ID:            id,
		Symbol:        "AAPL",
		Direction:     market.Long,
		EntryPrice:    d(entry),
		StopLoss:      d(stop),
		TakeProfit:    d(target),
		HasTakeProfit: true,
		StrategyID:    "orb_breakout",
		GeneratedAt:   time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC).Add(time.Duration(generatedOffset) * time.Minute),
	}
}

func TestSignalFillsOnNextBarNotItsOwn(t *testing.T) {
	s, acct, clk := newSim(t, false)

	// Signal generated at the bar-0 timestamp; the simulator also sees
	// bar 0 afterwards and must not fill on it.
	s.SubmitSignal(longSignal("t1", 0, "100.00", "99.00", "102.00"))
	drive(t, s, clk, tradingBar(0, "100.00", "100.20", "99.80", "100.00"))
	if s.OpenPositions() != 0 {
		t.Fatal("signal filled on its own generation bar")
	}

	drive(t, s, clk, tradingBar(1, "100.10", "100.40", "99.90", "100.20"))
	if s.OpenPositions() != 1 {
		t.Fatal("signal did not fill on the next bar")
	}
	tr, ok := acct.Open("t1")
	if !ok {
		t.Fatal("account has no open trade")
	}
	// NextBarOpen fill.
	if !tr.EntryPrice.Equal(d("100.10")) {
		t.Errorf("entry = %s, want next-bar open 100.10", tr.EntryPrice)
	}
}

func TestCleanTargetScenario(t *testing.T) {
	// Clean winner end to end: fill at 100.10, target 102 on a later
	// bar, pnl 19.00, r 1.73.
	s, acct, clk := newSim(t, false)
	s.SubmitSignal(longSignal("t1", 0, "100.00", "99.00", "102.00"))

	drive(t, s, clk,
		tradingBar(0, "100.00", "100.20", "99.80", "100.00"),
		tradingBar(1, "100.10", "100.40", "99.90", "100.20"), // entry at 100.10
	)
	tr, _ := acct.Open("t1")
	tr.Size = 10 // pin the scenario's 10 shares
	tr.RiskAmount = d("11.00")
	pos := s.positions["t1"]
	pos.OriginalSize = 10
	pos.RemainingSize = 10

	drive(t, s, clk, tradingBar(2, "100.30", "102.50", "99.50", "101.00"))

	if s.OpenPositions() != 0 {
		t.Fatal("position still open after target bar")
	}
	closed := acct.Closed()
	if len(closed) != 1 {
		t.Fatalf("ledger = %d trades, want 1", len(closed))
	}
	ct := closed[0]
	if ct.Status != account.StatusTargetHit {
		t.Errorf("status = %s, want target_hit", ct.Status)
	}
	if !ct.ExitPrice.Equal(d("102.00")) || !ct.PnL.Equal(d("19.00")) {
		t.Errorf("exit %s pnl %s, want 102.00 / 19.00", ct.ExitPrice, ct.PnL)
	}
	if !ct.RMultiple.Equal(d("1.73")) {
		t.Errorf("r = %s, want 1.73", ct.RMultiple)
	}
	if len(acct.EquityCurve()) != 1 {
		t.Errorf("equity curve = %d points, want 1 (final close only)", len(acct.EquityCurve()))
	}
}

func TestGapThroughStopShortScenario(t *testing.T) {
	// Short at 50.00, stop 51.00; the next bar gaps to
	// 51.50.
	s, acct, clk := newSim(t, false)
	sig := Signal{
		ID: "t1", Symbol: "AAPL", Direction: market.Short,
		EntryPrice: d("50.00"), StopLoss: d("51.00"),
		StrategyID:  "level_reclaim",
		GeneratedAt: time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC),
	}
	s.SubmitSignal(sig)

	drive(t, s, clk, tradingBar(1, "50.00", "50.10", "49.90", "50.00"))
	tr, _ := acct.Open("t1")
	tr.Size = 20
	pos := s.positions["t1"]
	pos.OriginalSize = 20
	pos.RemainingSize = 20

	drive(t, s, clk, tradingBar(2, "51.50", "52.00", "51.20", "51.80"))

	closed := acct.Closed()
	if len(closed) != 1 {
		t.Fatalf("ledger = %d trades, want 1", len(closed))
	}
	ct := closed[0]
	if !ct.ExitPrice.Equal(d("51.50")) {
		t.Errorf("exit = %s, want gap fill at open 51.50", ct.ExitPrice)
	}
	if !ct.PnL.Equal(d("-30.00")) {
		t.Errorf("pnl = %s, want -30.00", ct.PnL)
	}
	if ct.Status != account.StatusStoppedOut {
		t.Errorf("status = %s, want stopped_out", ct.Status)
	}
}

func TestTimeExitScenario(t *testing.T) {
	// An open position force-closes at 11:00 ET at the bar
	// close.
	s, acct, clk := newSim(t, false)
	s.SubmitSignal(longSignal("t1", 84, "100.00", "99.00", "110.00"))

	drive(t, s, clk,
		tradingBar(84, "100.00", "100.20", "99.80", "100.00"), // 10:54
		tradingBar(85, "100.00", "100.30", "99.90", "100.10"), // 10:55 entry
		tradingBar(89, "100.10", "100.40", "99.95", "100.20"), // 10:59 no touch
	)
	if s.OpenPositions() != 1 {
		t.Fatal("position should be open before 11:00")
	}

	drive(t, s, clk, tradingBar(90, "100.20", "100.50", "100.00", "100.35")) // 11:00

	if s.OpenPositions() != 0 {
		t.Fatal("position should be force-closed at 11:00 ET")
	}
	ct := acct.Closed()[0]
	if ct.Status != account.StatusTimeExit {
		t.Errorf("status = %s, want time_exit", ct.Status)
	}
	if !ct.ExitPrice.Equal(d("100.35")) {
		t.Errorf("exit = %s, want bar close 100.35", ct.ExitPrice)
	}
}

func TestUnlimitedOverlappingSignals(t *testing.T) {
	// Unlimited mode: two overlapping signals, both fill at size 1.
	s, acct, clk := newSim(t, true)
	s.SubmitSignal(longSignal("t1", 0, "100.00", "99.00", "110.00"))
	s.SubmitSignal(longSignal("t2", 0, "100.00", "99.50", "110.00"))

	drive(t, s, clk, tradingBar(1, "100.10", "100.40", "99.90", "100.20"))

	if s.OpenPositions() != 2 {
		t.Fatalf("open = %d, want both overlapping positions", s.OpenPositions())
	}
	for _, id := range []string{"t1", "t2"} {
		tr, ok := acct.Open(id)
		if !ok || tr.Size != 1 {
			t.Errorf("trade %s = %+v, want size 1", id, tr)
		}
	}
}

func TestDroppedSignalDoesNotAbortRun(t *testing.T) {
	s, _, clk := newSim(t, false)
	// Stop equals entry: account rejects with ErrInvalidStop.
	bad := longSignal("t1", 0, "100.00", "99.00", "102.00")
	bad.StopLoss = d("100.00")
	bad.HasTakeProfit = false
	s.SubmitSignal(bad)
	good := longSignal("t2", 0, "100.00", "99.00", "102.00")
	s.SubmitSignal(good)

	drive(t, s, clk, tradingBar(1, "100.00", "100.20", "99.80", "100.10"))

	if s.SignalsDropped() != 1 {
		t.Errorf("dropped = %d, want 1", s.SignalsDropped())
	}
	if s.OpenPositions() != 1 {
		t.Errorf("open = %d, want the valid signal filled", s.OpenPositions())
	}
}

func TestExitsBeforeEntriesOnSameBar(t *testing.T) {
	// An open position's stop and a queued signal execute on the same
	// bar: the exit applies first, freeing cash for the entry.
	s, acct, clk := newSim(t, false)
	s.SubmitSignal(longSignal("t1", 0, "100.00", "99.00", "110.00"))
	drive(t, s, clk, tradingBar(1, "100.00", "100.20", "99.90", "100.00"))
	if s.OpenPositions() != 1 {
		t.Fatal("setup: first position not open")
	}

	s.SubmitSignal(longSignal("t2", 2, "99.00", "98.00", "105.00"))
	// Bar 3 breaks the first stop (low 98.90) and fills the second
	// signal.
	drive(t, s, clk, tradingBar(3, "99.20", "99.40", "98.90", "99.10"))

	if s.OpenPositions() != 1 {
		t.Fatalf("open = %d, want old closed and new open", s.OpenPositions())
	}
	if _, ok := acct.Open("t2"); !ok {
		t.Error("second signal did not fill")
	}
	if len(acct.Closed()) != 1 || acct.Closed()[0].ID != "t1" {
		t.Error("first position did not close")
	}
}
