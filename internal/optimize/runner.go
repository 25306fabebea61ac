package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sammarten/signal/internal/analytics"
	"github.com/sammarten/signal/internal/config"
	"github.com/sammarten/signal/internal/db"
	"github.com/sammarten/signal/internal/engine"
	"github.com/sammarten/signal/internal/logger"
	"github.com/sammarten/signal/internal/sim"
)

const logTag = "OPTIMIZE"

// Backtester executes one isolated run; engine.Coordinator implements it.
type Backtester interface {
	Execute(ctx context.Context, cfg config.Run, simCfg sim.Config) (*engine.RunResult, error)
}

// OptimizationSinks persists sweep records; *db.DB implements it. Nil
// skips persistence.
type OptimizationSinks interface {
	SaveOptimization(ctx context.Context, r db.OptimizationRecord) error
	SaveOptimizationResults(ctx context.Context, optID string, rows []db.OptimizationResultRow) error
}

// Progress aggregates sweep completion.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// ProgressFunc receives sweep progress after each finished combination.
type ProgressFunc func(Progress)

// ComboResult is one parameter set's outcome.
type ComboResult struct {
	Index  int         `json:"index"`
	Params Combination `json:"params"`

	MetricValue   float64 `json:"metric_value"`
	MetricDefined bool    `json:"metric_defined"`
	TradeCount    int     `json:"trade_count"`

	RunID  string           `json:"run_id"`
	Report analytics.Report `json:"report"`

	Err string `json:"error,omitempty"`
}

// Result is a completed sweep.
type Result struct {
	OptID   string        `json:"opt_id"`
	Metric  string        `json:"metric"`
	Results []ComboResult `json:"results"` // combo order
	Best    *ComboResult  `json:"best,omitempty"`
}

// Runner executes parameter sweeps with a bounded worker pool.
type Runner struct {
	backtester Backtester
	sinks      OptimizationSinks
}

// NewRunner builds a runner. sinks may be nil.
func NewRunner(backtester Backtester, sinks OptimizationSinks) *Runner {
	return &Runner{backtester: backtester, sinks: sinks}
}

// Run executes the full grid and returns every combination's outcome plus
// the winner. Individual run failures mark their combination and do not
// abort the sweep.
func (r *Runner) Run(ctx context.Context, opt config.Optimization, simCfg sim.Config, progress ProgressFunc) (*Result, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	if opt.Metric == "" {
		opt.Metric = MetricProfitFactor
	}
	if _, _, err := MetricValue(analytics.Report{}, opt.Metric); err != nil {
		return nil, err
	}

	combos := ExpandGrid(opt.Grid)
	optID := uuid.NewString()
	result := &Result{OptID: optID, Metric: opt.Metric, Results: make([]ComboResult, len(combos))}

	if err := r.saveRecord(ctx, db.OptimizationRecord{
		ID: optID, Config: marshalOpt(opt), Status: engine.StatusRunning,
		Total: len(combos), CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	logger.Infof(logTag, "sweep %s: %d combinations, metric %s", optID, len(combos), opt.Metric)

	var (
		mu        sync.Mutex
		completed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(opt.Workers))

	for i, combo := range combos {
		i, combo := i, combo
		g.Go(func() error {
			cr := r.runCombo(gctx, opt, simCfg, i, combo)
			mu.Lock()
			result.Results[i] = cr
			completed++
			done := completed
			mu.Unlock()
			if progress != nil {
				progress(Progress{Completed: done, Total: len(combos)})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		r.saveRecord(ctx, db.OptimizationRecord{
			ID: optID, Config: marshalOpt(opt), Status: engine.StatusCancelled,
			Completed: completed, Total: len(combos), CreatedAt: time.Now().UTC(),
		})
		return result, err
	}

	result.Best = pickBest(result.Results, 0)

	if err := r.persist(ctx, optID, opt, result); err != nil {
		return result, err
	}
	return result, nil
}

// runCombo executes one parameter set and extracts the objective.
func (r *Runner) runCombo(ctx context.Context, opt config.Optimization, simCfg sim.Config, index int, combo Combination) ComboResult {
	cr := ComboResult{Index: index, Params: combo}

	runResult, err := r.backtester.Execute(ctx, opt.Base.WithParams(combo), simCfg)
	if err != nil {
		cr.Err = err.Error()
		logger.Warnf(logTag, "combination %d failed: %v", index, err)
		return cr
	}

	cr.RunID = runResult.RunID
	cr.Report = runResult.Report
	cr.TradeCount = runResult.Report.Trades.TotalTrades
	cr.MetricValue, cr.MetricDefined, _ = MetricValue(runResult.Report, opt.Metric)
	return cr
}

// pickBest selects the winner among combinations with at least minTrades,
// ties broken toward more trades. Nil when nothing qualifies.
func pickBest(results []ComboResult, minTrades int) *ComboResult {
	var best *ComboResult
	for i := range results {
		cr := &results[i]
		if cr.Err != "" || cr.TradeCount < minTrades {
			continue
		}
		if best == nil || better(cr.MetricValue, cr.MetricDefined, cr.TradeCount,
			best.MetricValue, best.MetricDefined, best.TradeCount) {
			best = cr
		}
	}
	return best
}

func (r *Runner) persist(ctx context.Context, optID string, opt config.Optimization, result *Result) error {
	if r.sinks == nil {
		return nil
	}
	rows := make([]db.OptimizationResultRow, 0, len(result.Results))
	for _, cr := range result.Results {
		rows = append(rows, db.OptimizationResultRow{
			OptID:       optID,
			ComboIndex:  cr.Index,
			Params:      cr.Params,
			Metric:      opt.Metric,
			MetricValue: cr.MetricValue,
			TradeCount:  cr.TradeCount,
			RunID:       cr.RunID,
		})
	}
	if err := r.sinks.SaveOptimizationResults(ctx, optID, rows); err != nil {
		return fmt.Errorf("optimize: persist results: %w", err)
	}
	return r.saveRecord(ctx, db.OptimizationRecord{
		ID: optID, Config: marshalOpt(opt), Status: engine.StatusCompleted,
		Completed: len(result.Results), Total: len(result.Results),
		CreatedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(),
	})
}

func (r *Runner) saveRecord(ctx context.Context, record db.OptimizationRecord) error {
	if r.sinks == nil {
		return nil
	}
	if err := r.sinks.SaveOptimization(ctx, record); err != nil {
		return fmt.Errorf("optimize: persist sweep: %w", err)
	}
	return nil
}

func workerLimit(configured int) int {
	if configured > 0 {
		return configured
	}
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

func marshalOpt(opt config.Optimization) string {
	payload, err := json.Marshal(opt)
	if err != nil {
		return "{}"
	}
	return string(payload)
}
