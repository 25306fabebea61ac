package optimize

import (
	"context"
	"fmt"
	"time"

	"github.com/sammarten/signal/internal/config"
	"github.com/sammarten/signal/internal/logger"
	"github.com/sammarten/signal/internal/sim"
)

// overfitThreshold flags windows whose out-of-sample metric degraded more
// than this fraction from the in-sample value.
const overfitThreshold = 0.30

// Window is one walk-forward train/test split and its outcome.
type Window struct {
	TrainStart time.Time `json:"train_start"`
	TrainEnd   time.Time `json:"train_end"`
	TestStart  time.Time `json:"test_start"`
	TestEnd    time.Time `json:"test_end"`

	BestParams Combination `json:"best_params,omitempty"`

	TrainMetric float64 `json:"train_metric"`
	TestMetric  float64 `json:"test_metric"`
	TestTrades  int     `json:"test_trades"`
	TestRunID   string  `json:"test_run_id,omitempty"`

	// Degradation is 1 - test/train; Overfit flags > 0.30.
	Degradation float64 `json:"degradation"`
	Overfit     bool    `json:"overfit"`

	// Skipped is set when no parameter set reached min_trades in
	// training.
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// WalkForwardResult aggregates the out-of-sample evaluation.
type WalkForwardResult struct {
	Metric  string   `json:"metric"`
	Windows []Window `json:"windows"`

	// Aggregates over evaluated (non-skipped) windows.
	Evaluated      int     `json:"evaluated"`
	OverfitCount   int     `json:"overfit_count"`
	MeanTestMetric float64 `json:"mean_test_metric"`
}

// WalkForward slides a train/test split across the base date range,
// optimizes on each training subrange, and evaluates the winner
// out-of-sample.
func (r *Runner) WalkForward(ctx context.Context, opt config.Optimization, simCfg sim.Config, progress ProgressFunc) (*WalkForwardResult, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	wf := opt.WalkForward
	if wf == nil {
		return nil, fmt.Errorf("optimize: walk-forward config missing")
	}
	if wf.TrainingMonths < 1 || wf.TestingMonths < 1 || wf.StepMonths < 1 {
		return nil, fmt.Errorf("optimize: walk-forward months must be positive")
	}
	if opt.Metric == "" {
		opt.Metric = MetricProfitFactor
	}

	windows := splitWindows(opt.Base.Start, opt.Base.End, wf.TrainingMonths, wf.TestingMonths, wf.StepMonths)
	if len(windows) == 0 {
		return nil, fmt.Errorf("optimize: date range too short for %d+%d month windows",
			wf.TrainingMonths, wf.TestingMonths)
	}

	combos := ExpandGrid(opt.Grid)
	result := &WalkForwardResult{Metric: opt.Metric}

	total := len(windows) * (len(combos) + 1)
	completed := 0
	tick := func() {
		completed++
		if progress != nil {
			progress(Progress{Completed: completed, Total: total})
		}
	}

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		window := w

		// In-sample grid search.
		trainResults := make([]ComboResult, len(combos))
		for i, combo := range combos {
			trainCfg := opt.Base.WithParams(combo)
			trainCfg.Start = window.TrainStart
			trainCfg.End = window.TrainEnd
			trainResults[i] = r.runComboOn(ctx, trainCfg, opt.Metric, simCfg, i, combo)
			tick()
		}

		best := pickBest(trainResults, wf.MinTrades)
		if best == nil {
			window.Skipped = true
			window.Reason = fmt.Sprintf("no parameter set reached %d trades in training", wf.MinTrades)
			result.Windows = append(result.Windows, window)
			tick()
			continue
		}
		window.BestParams = best.Params
		window.TrainMetric = best.MetricValue

		// Out-of-sample evaluation of the winner.
		testCfg := opt.Base.WithParams(best.Params)
		testCfg.Start = window.TestStart
		testCfg.End = window.TestEnd
		testResult := r.runComboOn(ctx, testCfg, opt.Metric, simCfg, best.Index, best.Params)
		tick()

		if testResult.Err != "" {
			window.Skipped = true
			window.Reason = "test run failed: " + testResult.Err
			result.Windows = append(result.Windows, window)
			continue
		}

		window.TestMetric = testResult.MetricValue
		window.TestTrades = testResult.TradeCount
		window.TestRunID = testResult.RunID
		if window.TrainMetric != 0 {
			window.Degradation = 1 - window.TestMetric/window.TrainMetric
		}
		window.Overfit = window.Degradation > overfitThreshold

		result.Windows = append(result.Windows, window)
		result.Evaluated++
		result.MeanTestMetric += window.TestMetric
		if window.Overfit {
			result.OverfitCount++
		}
	}

	if result.Evaluated > 0 {
		result.MeanTestMetric /= float64(result.Evaluated)
	}
	logger.Infof(logTag, "walk-forward: %d windows, %d evaluated, %d overfit",
		len(result.Windows), result.Evaluated, result.OverfitCount)
	return result, nil
}

// runComboOn executes one configured run and extracts the metric.
func (r *Runner) runComboOn(ctx context.Context, cfg config.Run, metric string, simCfg sim.Config, index int, combo Combination) ComboResult {
	cr := ComboResult{Index: index, Params: combo}
	runResult, err := r.backtester.Execute(ctx, cfg, simCfg)
	if err != nil {
		cr.Err = err.Error()
		return cr
	}
	cr.RunID = runResult.RunID
	cr.Report = runResult.Report
	cr.TradeCount = runResult.Report.Trades.TotalTrades
	cr.MetricValue, cr.MetricDefined, _ = MetricValue(runResult.Report, metric)
	return cr
}

// splitWindows enumerates train/test windows stepping by stepMonths until
// the test range would pass the overall end.
func splitWindows(start, end time.Time, trainMonths, testMonths, stepMonths int) []Window {
	var windows []Window
	for cursor := start; ; cursor = cursor.AddDate(0, stepMonths, 0) {
		trainEnd := cursor.AddDate(0, trainMonths, 0)
		testEnd := trainEnd.AddDate(0, testMonths, 0)
		if testEnd.After(end) {
			return windows
		}
		windows = append(windows, Window{
			TrainStart: cursor,
			TrainEnd:   trainEnd,
			TestStart:  trainEnd,
			TestEnd:    testEnd,
		})
	}
}
