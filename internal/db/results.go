package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sammarten/signal/internal/analytics"
)

// SaveResult upserts the serialized analytics report for a completed run.
func (d *DB) SaveResult(ctx context.Context, runID string, report analytics.Report, at time.Time) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("save result %s: marshal: %w", runID, err)
	}
	_, err = d.sql.ExecContext(ctx,
		`INSERT OR REPLACE INTO backtest_results (run_id, report, created_at) VALUES (?,?,?)`,
		runID, string(payload), at.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("save result %s: %w", runID, err)
	}
	return nil
}

// GetResult loads a run's report, or (zero, false) when absent.
func (d *DB) GetResult(ctx context.Context, runID string) (analytics.Report, bool, error) {
	var payload string
	err := d.sql.QueryRowContext(ctx,
		"SELECT report FROM backtest_results WHERE run_id = ?", runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return analytics.Report{}, false, nil
	}
	if err != nil {
		return analytics.Report{}, false, fmt.Errorf("get result %s: %w", runID, err)
	}
	var report analytics.Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return analytics.Report{}, false, fmt.Errorf("get result %s: unmarshal: %w", runID, err)
	}
	return report, true, nil
}

// OptimizationRecord is the persisted state of one parameter sweep.
type OptimizationRecord struct {
	ID        string `json:"id"`
	Config    string `json:"config"`
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// OptimizationResultRow is one parameter set's outcome.
type OptimizationResultRow struct {
	OptID       string             `json:"opt_id"`
	ComboIndex  int                `json:"combo_index"`
	Params      map[string]float64 `json:"params"`
	Metric      string             `json:"metric"`
	MetricValue float64            `json:"metric_value"`
	TradeCount  int                `json:"trade_count"`
	RunID       string             `json:"run_id,omitempty"`
}

// SaveOptimization upserts a sweep record.
func (d *DB) SaveOptimization(ctx context.Context, r OptimizationRecord) error {
	_, err := d.sql.ExecContext(ctx, `INSERT OR REPLACE INTO optimization_runs (
		id, config, status, completed, total, error, created_at, finished_at
	) VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.Config, r.Status, r.Completed, r.Total, nullableString(r.Error),
		r.CreatedAt.UTC().Format(timeFormat), nullableTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("save optimization %s: %w", r.ID, err)
	}
	return nil
}

// SaveOptimizationResults replaces the sweep's per-combination rows.
func (d *DB) SaveOptimizationResults(ctx context.Context, optID string, rows []OptimizationResultRow) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save optimization results: begin tx: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM optimization_results WHERE opt_id = ?", optID); err != nil {
		tx.Rollback()
		return fmt.Errorf("save optimization results: clear: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO optimization_results (
		opt_id, combo_index, params, metric, metric_value, trade_count, run_id
	) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("save optimization results: prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		params, err := json.Marshal(row.Params)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("save optimization results: marshal params: %w", err)
		}
		if _, err := stmt.Exec(optID, row.ComboIndex, string(params), row.Metric,
			row.MetricValue, row.TradeCount, nullableString(row.RunID)); err != nil {
			tx.Rollback()
			return fmt.Errorf("save optimization results: exec %d: %w", row.ComboIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save optimization results: commit: %w", err)
	}
	return nil
}
