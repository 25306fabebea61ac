// Package engine is the coordinator: it assembles an isolated run context
// (clock, account, collector, simulator, replayer) per backtest, drives
// the replay, persists the ledger and analytics, and exposes status and
// cancellation. Nothing in here is shared between runs, which is what
// lets the optimizer execute many of them in parallel.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sammarten/signal/internal/account"
	"github.com/sammarten/signal/internal/analytics"
	"github.com/sammarten/signal/internal/clock"
	"github.com/sammarten/signal/internal/collector"
	"github.com/sammarten/signal/internal/config"
	"github.com/sammarten/signal/internal/db"
	"github.com/sammarten/signal/internal/logger"
	"github.com/sammarten/signal/internal/replay"
	"github.com/sammarten/signal/internal/sim"
	"github.com/sammarten/signal/internal/strategy"
)

const logTag = "ENGINE"

// Run statuses persisted to the run record.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Sinks is the persistence surface the coordinator writes to. *db.DB
// implements it; tests substitute fakes. A nil Sinks runs fully in
// memory.
type Sinks interface {
	SaveRun(ctx context.Context, r db.RunRecord) error
	SaveTrades(ctx context.Context, runID string, trades []account.ClosedTrade) error
	SaveResult(ctx context.Context, runID string, report analytics.Report, at time.Time) error
}

// RunResult is everything a completed backtest produced.
type RunResult struct {
	RunID   string
	Report  analytics.Report
	Trades  []account.ClosedTrade
	Curve   []account.EquityPoint
	Signals int
	Dropped int
}

// Coordinator executes backtest runs against a bar source and registry.
type Coordinator struct {
	source   replay.BarSource
	sinks    Sinks
	registry *strategy.Registry

	mu      sync.Mutex
	running map[string]*replay.Replayer
}

// New builds a coordinator. sinks may be nil for in-memory runs.
func New(source replay.BarSource, sinks Sinks, registry *strategy.Registry) *Coordinator {
	return &Coordinator{
		source:   source,
		sinks:    sinks,
		registry: registry,
		running:  make(map[string]*replay.Replayer),
	}
}

// Cancel stops a running replay. The in-flight timestamp group completes;
// no analytics are persisted for a cancelled run.
func (c *Coordinator) Cancel(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.running[runID]
	if !ok {
		return false
	}
	r.Stop()
	return true
}

// Execute runs one backtest to completion and blocks until it finishes.
// Configuration and strategy-resolution errors return a nil result. Once
// the run record has been created, the returned RunID is set even on
// failure so callers can inspect the persisted record.
func (c *Coordinator) Execute(ctx context.Context, cfg config.Run, simCfg sim.Config) (*RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	strategies, err := c.registry.Resolve(cfg.Strategies)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	result := &RunResult{RunID: runID}
	// Status and result writes must land even when the run context is
	// cancelled mid-replay.
	persistCtx := context.WithoutCancel(ctx)
	record := db.RunRecord{
		ID:        runID,
		Config:    marshalConfig(cfg),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.saveRun(persistCtx, record); err != nil {
		return result, err
	}

	// Per-run context: nothing here is shared with any other run.
	clk := clock.New()
	acct := account.New(cfg.InitialCapital, cfg.RiskPerTrade, cfg.Unlimited)
	if cfg.Seed != 0 {
		simCfg.Fill = simCfg.Fill.WithRand(rand.New(rand.NewSource(cfg.Seed)))
	}
	simulator := sim.New(simCfg, clk, acct)
	coll := collector.New(clk, simulator, strategies, strategy.Params(cfg.Params))

	query := replay.Query{
		Symbols:     cfg.Symbols,
		Start:       cfg.Start,
		End:         cfg.End,
		RegularOnly: cfg.RegularOnly,
	}
	// The collector sees each bar before the simulator so same-bar
	// signals queue for the next bar, never their own.
	replayer := replay.New(c.source, clk, query, coll, simulator)

	c.mu.Lock()
	c.running[runID] = replayer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, runID)
		c.mu.Unlock()
	}()

	acct.RecordEquity(cfg.Start)

	record.Status = StatusRunning
	record.StartedAt = time.Now().UTC()
	if err := c.saveRun(persistCtx, record); err != nil {
		return result, err
	}

	logger.Infof(logTag, "run %s: %d symbols, %s to %s", runID, len(cfg.Symbols),
		cfg.Start.Format("2006-01-02"), cfg.End.Format("2006-01-02"))

	replayErr := replayer.Start(ctx, func(p replay.Progress) {
		record.ProgressPct = p.PctComplete
		record.SimTime = p.CurrentTime
		record.BarsProcessed = p.BarsProcessed
		record.TotalBars = p.TotalBars
		record.TradeCount = acct.TradeCount()
		record.SignalCount = coll.SignalsCount()
		c.saveRun(persistCtx, record)
	})

	result.Trades = acct.Closed()
	result.Curve = acct.EquityCurve()
	result.Signals = coll.SignalsCount()
	result.Dropped = simulator.SignalsDropped()
	record.TradeCount = acct.TradeCount()
	record.SignalCount = coll.SignalsCount()
	record.FinishedAt = time.Now().UTC()

	switch {
	case replayErr == nil:
		record.Status = StatusCompleted
		record.ProgressPct = 100
		result.Report = analytics.BuildReport(result.Trades, result.Curve)
		if err := c.persistCompleted(persistCtx, runID, result, record.FinishedAt); err != nil {
			record.Status = StatusFailed
			record.Error = err.Error()
			c.saveRun(persistCtx, record)
			return result, err
		}
	case errors.Is(replayErr, context.Canceled):
		record.Status = StatusCancelled
	default:
		record.Status = StatusFailed
		record.Error = replayErr.Error()
	}

	if err := c.saveRun(persistCtx, record); err != nil {
		return result, err
	}
	if replayErr != nil {
		return result, replayErr
	}
	logger.Infof(logTag, "run %s: %d trades, %d signals (%d dropped)",
		runID, len(result.Trades), result.Signals, result.Dropped)
	return result, nil
}

// persistCompleted writes the ledger and analytics for a finished run.
func (c *Coordinator) persistCompleted(ctx context.Context, runID string, result *RunResult, at time.Time) error {
	if c.sinks == nil {
		return nil
	}
	if err := c.sinks.SaveTrades(ctx, runID, result.Trades); err != nil {
		return fmt.Errorf("engine: persist trades: %w", err)
	}
	if err := c.sinks.SaveResult(ctx, runID, result.Report, at); err != nil {
		return fmt.Errorf("engine: persist result: %w", err)
	}
	return nil
}

func (c *Coordinator) saveRun(ctx context.Context, record db.RunRecord) error {
	if c.sinks == nil {
		return nil
	}
	if err := c.sinks.SaveRun(ctx, record); err != nil {
		return fmt.Errorf("engine: persist run: %w", err)
	}
	return nil
}

func marshalConfig(cfg config.Run) string {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(payload)
}
