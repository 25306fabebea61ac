package db

import (
	"context"
	"fmt"

	"github.com/sammarten/signal/internal/account"
)

// SaveTrades replaces the run's trade ledger and partial-exit rows in one
// transaction. Re-running the save for the same run id is idempotent.
func (d *DB) SaveTrades(ctx context.Context, runID string, trades []account.ClosedTrade) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save trades: begin tx: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM closed_trades WHERE run_id = ?", runID); err != nil {
		tx.Rollback()
		return fmt.Errorf("save trades: clear: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM partial_exits WHERE run_id = ?", runID); err != nil {
		tx.Rollback()
		return fmt.Errorf("save trades: clear partials: %w", err)
	}

	tradeStmt, err := tx.Prepare(`INSERT INTO closed_trades (
		run_id, trade_id, symbol, direction, strategy_id,
		entry_price, entry_time, size, exit_price, exit_time, status,
		pnl, pnl_pct, r_multiple,
		initial_stop, final_stop, stop_moved_to_breakeven,
		max_favorable_r, max_adverse_r, partial_exit_count
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("save trades: prepare: %w", err)
	}
	defer tradeStmt.Close()

	partialStmt, err := tx.Prepare(`INSERT INTO partial_exits (
		run_id, trade_id, exit_time, exit_price, shares_exited,
		remaining_after, reason, target_index, pnl, r_multiple
	) VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("save trades: prepare partials: %w", err)
	}
	defer partialStmt.Close()

	for _, t := range trades {
		breakeven := 0
		if t.StopMovedToBreakeven {
			breakeven = 1
		}
		if _, err := tradeStmt.Exec(
			runID, t.ID, t.Symbol, string(t.Direction), t.StrategyID,
			t.EntryPrice.String(), t.EntryTime.UTC().Format(timeFormat), t.Size,
			t.ExitPrice.String(), t.ExitTime.UTC().Format(timeFormat), string(t.Status),
			t.PnL.String(), t.PnLPct.String(), t.RMultiple.String(),
			t.InitialStop.String(), t.FinalStop.String(), breakeven,
			t.MaxFavorableR.String(), t.MaxAdverseR.String(), t.PartialExitCount,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("save trades: exec trade %s: %w", t.ID, err)
		}

		for _, pe := range t.PartialExits {
			var targetIndex any
			if pe.HasTargetIndex {
				targetIndex = pe.TargetIndex
			}
			if _, err := partialStmt.Exec(
				runID, pe.TradeID, pe.ExitTime.UTC().Format(timeFormat), pe.ExitPrice.String(),
				pe.SharesExited, pe.RemainingAfter, pe.Reason, targetIndex,
				pe.PnL.String(), pe.RMultiple.String(),
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("save trades: exec partial %s: %w", pe.TradeID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save trades: commit: %w", err)
	}
	return nil
}

// CountTrades returns how many closed trades a run persisted.
func (d *DB) CountTrades(ctx context.Context, runID string) (int, error) {
	var n int
	if err := d.sql.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM closed_trades WHERE run_id = ?", runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}
