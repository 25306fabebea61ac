// Package db is the SQLite persistence layer: the historical bar store
// the replayer reads from, and the sinks for runs, trades, partial exits,
// and analytics results, which replace a run's earlier rows when the same
// id is saved again. One file per database; bulk writers use transactions
// with prepared statements.
package db

import (
	"database/sql"
	"fmt"

	"github.com/sammarten/signal/internal/logger"

	_ "modernc.org/sqlite"
)

const logTag = "DB"

// DB wraps a SQLite database connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Infof(logTag, "opened %s", path)
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	version := 0
	// Try to read current version
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS bars (
				symbol      TEXT NOT NULL,
				bar_time    TEXT NOT NULL,
				open        TEXT NOT NULL,
				high        TEXT NOT NULL,
				low         TEXT NOT NULL,
				close       TEXT NOT NULL,
				volume      INTEGER NOT NULL,
				vwap        TEXT,
				trade_count INTEGER NOT NULL DEFAULT 0,
				session     TEXT NOT NULL DEFAULT 'regular',
				PRIMARY KEY (symbol, bar_time)
			);
			CREATE INDEX IF NOT EXISTS idx_bars_time_symbol ON bars(bar_time, symbol);

			CREATE TABLE IF NOT EXISTS backtest_runs (
				id             TEXT PRIMARY KEY,
				config         TEXT NOT NULL,
				status         TEXT NOT NULL,
				progress_pct   REAL NOT NULL DEFAULT 0,
				sim_time       TEXT,
				bars_processed INTEGER NOT NULL DEFAULT 0,
				total_bars     INTEGER NOT NULL DEFAULT 0,
				trade_count    INTEGER NOT NULL DEFAULT 0,
				signal_count   INTEGER NOT NULL DEFAULT 0,
				error          TEXT,
				created_at     TEXT NOT NULL,
				started_at     TEXT,
				finished_at    TEXT
			);

			CREATE TABLE IF NOT EXISTS closed_trades (
				run_id                  TEXT NOT NULL,
				trade_id                TEXT NOT NULL,
				symbol                  TEXT NOT NULL,
				direction               TEXT NOT NULL,
				strategy_id             TEXT NOT NULL,
				entry_price             TEXT NOT NULL,
				entry_time              TEXT NOT NULL,
				size                    INTEGER NOT NULL,
				exit_price              TEXT NOT NULL,
				exit_time               TEXT NOT NULL,
				status                  TEXT NOT NULL,
				pnl                     TEXT NOT NULL,
				pnl_pct                 TEXT NOT NULL,
				r_multiple              TEXT NOT NULL,
				initial_stop            TEXT NOT NULL,
				final_stop              TEXT NOT NULL,
				stop_moved_to_breakeven INTEGER NOT NULL DEFAULT 0,
				max_favorable_r         TEXT NOT NULL,
				max_adverse_r           TEXT NOT NULL,
				partial_exit_count      INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (run_id, trade_id)
			);
			CREATE INDEX IF NOT EXISTS idx_closed_trades_run ON closed_trades(run_id);

			CREATE TABLE IF NOT EXISTS partial_exits (
				run_id          TEXT NOT NULL,
				trade_id        TEXT NOT NULL,
				exit_time       TEXT NOT NULL,
				exit_price      TEXT NOT NULL,
				shares_exited   INTEGER NOT NULL,
				remaining_after INTEGER NOT NULL,
				reason          TEXT NOT NULL,
				target_index    INTEGER,
				pnl             TEXT NOT NULL,
				r_multiple      TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_partial_exits_run ON partial_exits(run_id);

			CREATE TABLE IF NOT EXISTS backtest_results (
				run_id     TEXT PRIMARY KEY,
				report     TEXT NOT NULL,
				created_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS optimization_runs (
				id          TEXT PRIMARY KEY,
				config      TEXT NOT NULL,
				status      TEXT NOT NULL,
				completed   INTEGER NOT NULL DEFAULT 0,
				total       INTEGER NOT NULL DEFAULT 0,
				error       TEXT,
				created_at  TEXT NOT NULL,
				finished_at TEXT
			);

			CREATE TABLE IF NOT EXISTS optimization_results (
				opt_id       TEXT NOT NULL,
				combo_index  INTEGER NOT NULL,
				params       TEXT NOT NULL,
				metric       TEXT NOT NULL,
				metric_value REAL NOT NULL,
				trade_count  INTEGER NOT NULL,
				run_id       TEXT,
				PRIMARY KEY (opt_id, combo_index)
			);

			INSERT OR REPLACE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return err
		}
	}
	return nil
}
