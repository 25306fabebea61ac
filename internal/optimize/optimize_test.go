package optimize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/analytics"
	"github.com/sammarten/signal/internal/config"
	"github.com/sammarten/signal/internal/engine"
	"github.com/sammarten/signal/internal/sim"
)

func TestExpandGrid(t *testing.T) {
	combos := ExpandGrid(map[string][]float64{
		"min_rr":    {1.5, 2.0},
		"or_buffer": {0.1, 0.2, 0.3},
	})
	if len(combos) != 6 {
		t.Fatalf("got %d combinations, want 6", len(combos))
	}
	// Deterministic order: sorted names, values in declaration order.
	first := combos[0]
	if first["min_rr"] != 1.5 || first["or_buffer"] != 0.1 {
		t.Errorf("first combo = %v", first)
	}
	last := combos[5]
	if last["min_rr"] != 2.0 || last["or_buffer"] != 0.3 {
		t.Errorf("last combo = %v", last)
	}

	if got := ExpandGrid(nil); got != nil {
		t.Errorf("empty grid = %v, want nil", got)
	}
}

func TestMetricValue(t *testing.T) {
	report := analytics.Report{}
	report.Trades.TotalTrades = 5
	report.Trades.ProfitFactor = 1.7
	report.Trades.HasProfitFactor = true
	report.Trades.NetProfit = decimal.RequireFromString("250.00")
	report.Trades.WinRate = 60
	report.Equity.Sharpe = 1.2

	tests := []struct {
		metric  string
		want    float64
		defined bool
	}{
		{MetricProfitFactor, 1.7, true},
		{MetricNetProfit, 250, true},
		{MetricWinRate, 60, true},
		{MetricSharpe, 1.2, true},
	}
	for _, tt := range tests {
		got, defined, err := MetricValue(report, tt.metric)
		if err != nil || got != tt.want || defined != tt.defined {
			t.Errorf("MetricValue(%s) = %v/%v/%v, want %v/%v", tt.metric, got, defined, err, tt.want, tt.defined)
		}
	}
	if _, _, err := MetricValue(report, "bogus"); err == nil {
		t.Error("unknown metric must error")
	}
}

// fakeBacktester synthesizes reports from the min_rr parameter so sweeps
// have a known winner.
type fakeBacktester struct {
	mu    sync.Mutex
	calls []config.Run

	// failOn makes a specific min_rr value fail.
	failOn float64

	// perWindow overrides profit factor per (start, min_rr) for the
	// walk-forward test. Key format below.
	perWindow map[string]fakeOutcome
}

type fakeOutcome struct {
	profitFactor float64
	trades       int
}

func windowKey(start time.Time, minRR float64) string {
	return start.Format("2006-01") + ":" + decimal.NewFromFloat(minRR).String()
}

func (f *fakeBacktester) Execute(ctx context.Context, cfg config.Run, simCfg sim.Config) (*engine.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg)
	f.mu.Unlock()

	minRR := cfg.Params["min_rr"]
	if f.failOn != 0 && minRR == f.failOn {
		return nil, errors.New("synthetic failure")
	}

	out := fakeOutcome{profitFactor: minRR, trades: 10 + int(minRR*10)}
	if f.perWindow != nil {
		if o, ok := f.perWindow[windowKey(cfg.Start, minRR)]; ok {
			out = o
		}
	}

	report := analytics.Report{}
	report.Trades.TotalTrades = out.trades
	report.Trades.ProfitFactor = out.profitFactor
	report.Trades.HasProfitFactor = out.profitFactor > 0
	return &engine.RunResult{RunID: "run-" + decimal.NewFromFloat(minRR).String(), Report: report}, nil
}

func baseOpt() config.Optimization {
	base := config.Default()
	base.Symbols = []string{"AAPL"}
	base.Strategies = []string{"orb_breakout"}
	base.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	base.End = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	return config.Optimization{
		Base:   base,
		Grid:   map[string][]float64{"min_rr": {1.0, 1.5, 2.0, 2.5}},
		Metric: MetricProfitFactor,
		Workers: 2,
	}
}

func TestRunSweepPicksBest(t *testing.T) {
	fake := &fakeBacktester{}
	runner := NewRunner(fake, nil)

	var progress []Progress
	result, err := runner.Run(context.Background(), baseOpt(), sim.DefaultConfig(), func(p Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Results) != 4 {
		t.Fatalf("results = %d, want 4", len(result.Results))
	}
	if result.Best == nil || result.Best.Params["min_rr"] != 2.5 {
		t.Fatalf("best = %+v, want min_rr 2.5", result.Best)
	}
	// Results stay in combo order regardless of scheduling.
	for i, cr := range result.Results {
		if cr.Index != i {
			t.Errorf("result %d has index %d", i, cr.Index)
		}
	}
	if len(progress) != 4 || progress[len(progress)-1].Completed != 4 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestRunSweepToleratesComboFailure(t *testing.T) {
	fake := &fakeBacktester{failOn: 2.5}
	runner := NewRunner(fake, nil)

	result, err := runner.Run(context.Background(), baseOpt(), sim.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Best == nil || result.Best.Params["min_rr"] != 2.0 {
		t.Errorf("best = %+v, want fallback to min_rr 2.0", result.Best)
	}
	var failed int
	for _, cr := range result.Results {
		if cr.Err != "" {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed combos = %d, want 1", failed)
	}
}

func TestRunSweepValidation(t *testing.T) {
	runner := NewRunner(&fakeBacktester{}, nil)
	opt := baseOpt()
	opt.Grid = nil
	if _, err := runner.Run(context.Background(), opt, sim.DefaultConfig(), nil); !errors.Is(err, config.ErrEmptyParameterGrid) {
		t.Errorf("error = %v, want ErrEmptyParameterGrid", err)
	}
	opt = baseOpt()
	opt.Metric = "bogus"
	if _, err := runner.Run(context.Background(), opt, sim.DefaultConfig(), nil); err == nil {
		t.Error("unknown metric must fail the sweep upfront")
	}
}

func TestBetterTiebreaksOnTradeCount(t *testing.T) {
	if !better(1.5, true, 30, 1.5, true, 20) {
		t.Error("equal metric with more trades must win")
	}
	if better(1.5, true, 20, 1.5, true, 30) {
		t.Error("equal metric with fewer trades must lose")
	}
	if !better(0.5, true, 1, 10, false, 99) {
		t.Error("defined metric must beat undefined")
	}
}

func TestSplitWindows(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	windows := splitWindows(start, end, 3, 1, 1)
	if len(windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(windows))
	}
	w0 := windows[0]
	if !w0.TrainEnd.Equal(start.AddDate(0, 3, 0)) || !w0.TestEnd.Equal(start.AddDate(0, 4, 0)) {
		t.Errorf("window 0 = %+v", w0)
	}
	last := windows[len(windows)-1]
	if last.TestEnd.After(end) {
		t.Errorf("last window leaks past the range: %+v", last)
	}
}

func TestWalkForward(t *testing.T) {
	// Two windows; the grid winner in training degrades badly
	// out-of-sample in the first window and holds up in the second.
	fake := &fakeBacktester{perWindow: map[string]fakeOutcome{}}
	opt := baseOpt()
	opt.Grid = map[string][]float64{"min_rr": {1.0, 2.0}}
	opt.WalkForward = &config.WalkForward{TrainingMonths: 3, TestingMonths: 1, StepMonths: 2, MinTrades: 5}

	// Window 1: train Jan-Apr, test Apr-May. min_rr=2 wins training with
	// pf 3.0, collapses to 1.0 in test: degradation 0.67 -> overfit.
	fake.perWindow[windowKey(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 2.0)] = fakeOutcome{3.0, 40}
	fake.perWindow[windowKey(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1.0)] = fakeOutcome{1.5, 40}
	fake.perWindow[windowKey(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), 2.0)] = fakeOutcome{1.0, 20}

	// Window 2: train Mar-Jun, test Jun-Jul. min_rr=2 wins with pf 2.0,
	// tests at 1.8: degradation 0.1 -> fine.
	fake.perWindow[windowKey(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 2.0)] = fakeOutcome{2.0, 40}
	fake.perWindow[windowKey(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 1.0)] = fakeOutcome{1.2, 40}
	fake.perWindow[windowKey(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 2.0)] = fakeOutcome{1.8, 20}

	runner := NewRunner(fake, nil)
	result, err := runner.WalkForward(context.Background(), opt, sim.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("WalkForward: %v", err)
	}
	if len(result.Windows) != 2 || result.Evaluated != 2 {
		t.Fatalf("windows = %d evaluated = %d, want 2/2", len(result.Windows), result.Evaluated)
	}

	w0 := result.Windows[0]
	if w0.BestParams["min_rr"] != 2.0 {
		t.Errorf("window 0 best = %v", w0.BestParams)
	}
	if !w0.Overfit {
		t.Errorf("window 0 degradation %.2f should flag overfit", w0.Degradation)
	}

	w1 := result.Windows[1]
	if w1.Overfit {
		t.Errorf("window 1 degradation %.2f should not flag overfit", w1.Degradation)
	}
	if result.OverfitCount != 1 {
		t.Errorf("overfit count = %d, want 1", result.OverfitCount)
	}
}

func TestWalkForwardMinTradesSkipsWindow(t *testing.T) {
	fake := &fakeBacktester{}
	opt := baseOpt()
	opt.Grid = map[string][]float64{"min_rr": {1.0}}
	opt.WalkForward = &config.WalkForward{TrainingMonths: 3, TestingMonths: 1, StepMonths: 6, MinTrades: 1000}

	runner := NewRunner(fake, nil)
	result, err := runner.WalkForward(context.Background(), opt, sim.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("WalkForward: %v", err)
	}
	if len(result.Windows) != 1 || !result.Windows[0].Skipped {
		t.Errorf("windows = %+v, want one skipped", result.Windows)
	}
	if result.Evaluated != 0 {
		t.Errorf("evaluated = %d, want 0", result.Evaluated)
	}
}
