package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunRecord is the persisted state of one backtest run. Writes are
// idempotent per id.
type RunRecord struct {
	ID          string  `json:"id"`
	Config      string  `json:"config"` // serialized config.Run
	Status      string  `json:"status"`
	ProgressPct float64 `json:"progress_pct"`

	SimTime       time.Time `json:"sim_time"`
	BarsProcessed int64     `json:"bars_processed"`
	TotalBars     int64     `json:"total_bars"`
	TradeCount    int       `json:"trade_count"`
	SignalCount   int       `json:"signal_count"`

	Error string `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SaveRun upserts a run record.
func (d *DB) SaveRun(ctx context.Context, r RunRecord) error {
	_, err := d.sql.ExecContext(ctx, `INSERT OR REPLACE INTO backtest_runs (
		id, config, status, progress_pct, sim_time, bars_processed, total_bars,
		trade_count, signal_count, error, created_at, started_at, finished_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Config, r.Status, r.ProgressPct,
		nullableTime(r.SimTime), r.BarsProcessed, r.TotalBars,
		r.TradeCount, r.SignalCount, nullableString(r.Error),
		r.CreatedAt.UTC().Format(timeFormat),
		nullableTime(r.StartedAt), nullableTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun loads one run record, or (zero, false) when absent.
func (d *DB) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT
		id, config, status, progress_pct, sim_time, bars_processed, total_bars,
		trade_count, signal_count, error, created_at, started_at, finished_at
	FROM backtest_runs WHERE id = ?`, id)

	var (
		r                              RunRecord
		simTime, started, finished, e  sql.NullString
		created                        string
	)
	err := row.Scan(&r.ID, &r.Config, &r.Status, &r.ProgressPct, &simTime,
		&r.BarsProcessed, &r.TotalBars, &r.TradeCount, &r.SignalCount,
		&e, &created, &started, &finished)
	if err == sql.ErrNoRows {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("get run %s: %w", id, err)
	}

	r.Error = e.String
	if r.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return RunRecord{}, false, fmt.Errorf("get run %s: created_at: %w", id, err)
	}
	r.SimTime = parseNullableTime(simTime)
	r.StartedAt = parseNullableTime(started)
	r.FinishedAt = parseNullableTime(finished)
	return r, true, nil
}

// ListRuns returns run records newest first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id FROM backtest_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]RunRecord, 0, len(ids))
	for _, id := range ids {
		r, ok, err := d.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseNullableTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
