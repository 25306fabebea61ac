package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/levels"
	"github.com/sammarten/signal/internal/market"
	"github.com/sammarten/signal/internal/sim"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestSetupValidate(t *testing.T) {
	long := Setup{
		Symbol: "AAPL", Direction: market.Long,
		EntryPrice: d("100"), StopLoss: d("99"),
		TakeProfit: d("102"), HasTakeProfit: true,
	}
	if err := long.Validate(); err != nil {
		t.Errorf("valid long = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Setup)
	}{
		{"stop above entry", func(s *Setup) { s.StopLoss = d("101") }},
		{"stop equals entry", func(s *Setup) { s.StopLoss = d("100") }},
		{"target below entry", func(s *Setup) { s.TakeProfit = d("99.50") }},
		{"unknown direction", func(s *Setup) { s.Direction = "sideways" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := long
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	short := Setup{
		Symbol: "AAPL", Direction: market.Short,
		EntryPrice: d("100"), StopLoss: d("101"),
		TakeProfit: d("98"), HasTakeProfit: true,
	}
	if err := short.Validate(); err != nil {
		t.Errorf("valid short = %v", err)
	}
	short.TakeProfit = d("101.50")
	if err := short.Validate(); err == nil {
		t.Error("short target above entry must fail")
	}
}

func TestSetupValidateChecksExitStrategy(t *testing.T) {
	bad := sim.NewScaledExit(d("99"), nil) // no targets
	s := Setup{
		Symbol: "AAPL", Direction: market.Long,
		EntryPrice: d("100"), StopLoss: d("99"),
		Exit: &bad,
	}
	if err := s.Validate(); err == nil {
		t.Error("invalid exit strategy must fail setup validation")
	}
}

func TestRewardRisk(t *testing.T) {
	s := Setup{
		Direction:  market.Long,
		EntryPrice: d("100"), StopLoss: d("99"),
		TakeProfit: d("103"), HasTakeProfit: true,
	}
	if !s.RewardRisk().Equal(d("3")) {
		t.Errorf("rr = %s, want 3", s.RewardRisk())
	}
	s.HasTakeProfit = false
	if !s.RewardRisk().IsZero() {
		t.Error("rr without target must be zero")
	}
}

func TestRegistry(t *testing.T) {
	r := Builtin()
	if _, ok := r.Lookup("orb_breakout"); !ok {
		t.Error("orb_breakout missing from builtin registry")
	}
	if _, ok := r.Lookup("level_reclaim"); !ok {
		t.Error("level_reclaim missing from builtin registry")
	}

	got, err := r.Resolve([]string{"level_reclaim", "orb_breakout"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got[0].ID() != "level_reclaim" || got[1].ID() != "orb_breakout" {
		t.Error("Resolve must preserve requested order")
	}

	if _, err := r.Resolve([]string{"nope"}); err == nil {
		t.Error("unknown id must error")
	}
}

func TestParamsGet(t *testing.T) {
	p := Params{"min_rr": 2.5}
	if p.Get("min_rr", 2) != 2.5 {
		t.Error("Get existing")
	}
	if p.Get("missing", 7) != 7 {
		t.Error("Get default")
	}
	var nilParams Params
	if nilParams.Get("anything", 3) != 3 {
		t.Error("nil params must return default")
	}
}

func orbBar(minuteOffset int, open, high, low, close string, volume int64) market.Bar {
	return market.Bar{
		Symbol:  "AAPL",
		BarTime: time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC).Add(time.Duration(minuteOffset) * time.Minute),
		Open:    d(open), High: d(high), Low: d(low), Close: d(close),
		Volume:  volume,
		Session: market.SessionRegular,
	}
}

func orbSnapshot(or5High, or5Low string) levels.Snapshot {
	return levels.Snapshot{
		Symbol:  "AAPL",
		OR5High: levels.Level{Price: d(or5High), Set: true},
		OR5Low:  levels.Level{Price: d(or5Low), Set: true},
	}
}

func TestORBBreakoutLongRetest(t *testing.T) {
	// Range high 101: previous bar held above, last bar retested the
	// level and closed back above it.
	bars := []market.Bar{
		orbBar(10, "100.50", "101.20", "100.40", "101.10", 1000), // break and hold
		orbBar(11, "101.10", "101.30", "100.95", "101.20", 1200), // retest of 101
	}
	setups, err := ORBBreakout{}.Evaluate("AAPL", append([]market.Bar{orbBar(9, "100", "101", "100", "100.80", 900)}, bars...), orbSnapshot("101", "100"), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(setups) != 1 {
		t.Fatalf("setups = %d, want 1", len(setups))
	}
	s := setups[0]
	if s.Direction != market.Long || s.StrategyID != "orb_breakout" {
		t.Errorf("setup = %+v", s)
	}
	if !s.EntryPrice.Equal(d("101.20")) || !s.StopLoss.Equal(d("100.95")) {
		t.Errorf("entry/stop = %s/%s", s.EntryPrice, s.StopLoss)
	}
	// Default min_rr 2: target = entry + 2*(entry-stop).
	if !s.TakeProfit.Equal(d("101.70")) {
		t.Errorf("target = %s, want 101.70", s.TakeProfit)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("emitted setup invalid: %v", err)
	}
}

func TestORBBreakoutNoSignalWithoutRetest(t *testing.T) {
	bars := []market.Bar{
		orbBar(9, "100", "101", "100", "100.80", 900),
		orbBar(10, "100.50", "101.20", "100.40", "101.10", 1000),
		orbBar(11, "101.15", "101.60", "101.12", "101.50", 1200), // never touched 101
	}
	setups, err := ORBBreakout{}.Evaluate("AAPL", bars, orbSnapshot("101", "100"), nil)
	if err != nil || len(setups) != 0 {
		t.Errorf("setups = %v err = %v, want none without a retest", setups, err)
	}
}

func TestORBBreakoutNeedsLevels(t *testing.T) {
	bars := []market.Bar{
		orbBar(10, "100.50", "101.20", "100.40", "101.10", 1000),
		orbBar(11, "101.10", "101.30", "100.95", "101.20", 1200),
	}
	setups, err := ORBBreakout{}.Evaluate("AAPL", bars, levels.Snapshot{Symbol: "AAPL"}, nil)
	if err != nil || len(setups) != 0 {
		t.Errorf("setups without levels = %v err = %v", setups, err)
	}
}

func TestLevelReclaimLong(t *testing.T) {
	snap := levels.Snapshot{
		Symbol:      "AAPL",
		PrevDayHigh: levels.Level{Price: d("101"), Set: true},
	}
	bars := []market.Bar{
		orbBar(10, "100.50", "100.90", "100.40", "100.80", 1000), // below PDH
		orbBar(11, "100.80", "101.40", "100.70", "101.30", 2000), // reclaim on volume
	}
	setups, err := LevelReclaim{}.Evaluate("AAPL", bars, snap, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(setups) != 1 {
		t.Fatalf("setups = %d, want 1", len(setups))
	}
	s := setups[0]
	if s.Direction != market.Long || s.LevelType != levels.LevelPrevDayHigh {
		t.Errorf("setup = %+v", s)
	}

	// Same price action without the volume expansion: no signal.
	bars[1].Volume = 900
	setups, _ = LevelReclaim{}.Evaluate("AAPL", bars, snap, nil)
	if len(setups) != 0 {
		t.Errorf("setups = %d, want none without volume expansion", len(setups))
	}
}
