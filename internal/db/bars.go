package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/market"
	"github.com/sammarten/signal/internal/replay"
)

// timeFormat is how timestamps are stored; RFC3339 sorts lexically in
// UTC, which the keyset pagination below relies on.
const timeFormat = time.RFC3339

// InsertBars bulk-inserts bars inside one transaction, replacing
// duplicates on (symbol, bar_time). Returns how many rows were written.
func (d *DB) InsertBars(ctx context.Context, bars []market.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert bars: begin tx: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO bars (
		symbol, bar_time, open, high, low, close, volume, vwap, trade_count, session
	) VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("insert bars: prepare: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert bars: %w", err)
		}
		var vwap any
		if b.HasVWAP {
			vwap = b.VWAP.String()
		}
		if _, err := stmt.Exec(
			b.Symbol, b.BarTime.UTC().Format(timeFormat),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume, vwap, b.TradeCount, string(b.Session),
		); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert bars: exec %s@%s: %w", b.Symbol, b.BarTime, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert bars: commit: %w", err)
	}
	return written, nil
}

// barFilter builds the shared WHERE clause for a replay query.
func barFilter(q replay.Query) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(q.Symbols) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Symbols)), ",")
		clauses = append(clauses, "symbol IN ("+placeholders+")")
		for _, s := range q.Symbols {
			args = append(args, s)
		}
	}
	if !q.Start.IsZero() {
		clauses = append(clauses, "bar_time >= ?")
		args = append(args, q.Start.UTC().Format(timeFormat))
	}
	if !q.End.IsZero() {
		clauses = append(clauses, "bar_time <= ?")
		args = append(args, q.End.UTC().Format(timeFormat))
	}
	if q.RegularOnly {
		clauses = append(clauses, "session = ?")
		args = append(args, string(market.SessionRegular))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CountBars implements replay.BarSource.
func (d *DB) CountBars(ctx context.Context, q replay.Query) (int64, error) {
	where, args := barFilter(q)
	var n int64
	if err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM bars"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return n, nil
}

// ScanBars implements replay.BarSource with keyset pagination over
// (bar_time, symbol).
func (d *DB) ScanBars(ctx context.Context, q replay.Query, batchSize int) (replay.BarIterator, error) {
	if batchSize < 1 {
		batchSize = 1000
	}
	return &barIterator{db: d, query: q, size: batchSize}, nil
}

type barIterator struct {
	db    *DB
	query replay.Query
	size  int

	started  bool
	lastTime string
	lastSym  string
}

// Next implements replay.BarIterator.
func (it *barIterator) Next(ctx context.Context) ([]market.Bar, error) {
	where, args := barFilter(it.query)
	if it.started {
		cursor := "(bar_time > ? OR (bar_time = ? AND symbol > ?))"
		if where == "" {
			where = " WHERE " + cursor
		} else {
			where += " AND " + cursor
		}
		args = append(args, it.lastTime, it.lastTime, it.lastSym)
	}

	rows, err := it.db.sql.QueryContext(ctx,
		`SELECT symbol, bar_time, open, high, low, close, volume, vwap, trade_count, session
		 FROM bars`+where+` ORDER BY bar_time, symbol LIMIT ?`,
		append(args, it.size)...)
	if err != nil {
		return nil, fmt.Errorf("scan bars: %w", err)
	}
	defer rows.Close()

	var batch []market.Bar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, bar)
		it.lastTime = bar.BarTime.UTC().Format(timeFormat)
		it.lastSym = bar.Symbol
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan bars: %w", err)
	}
	it.started = true
	return batch, nil
}

func scanBar(rows *sql.Rows) (market.Bar, error) {
	var (
		bar        market.Bar
		barTime    string
		o, h, l, c string
		vwap       sql.NullString
		session    string
	)
	if err := rows.Scan(&bar.Symbol, &barTime, &o, &h, &l, &c, &bar.Volume, &vwap, &bar.TradeCount, &session); err != nil {
		return market.Bar{}, fmt.Errorf("scan bar: %w", err)
	}

	t, err := time.Parse(timeFormat, barTime)
	if err != nil {
		return market.Bar{}, fmt.Errorf("scan bar: time %q: %w", barTime, err)
	}
	bar.BarTime = t.UTC()
	bar.Session = market.Session(session)

	for _, fld := range []struct {
		dst *decimal.Decimal
		src string
	}{{&bar.Open, o}, {&bar.High, h}, {&bar.Low, l}, {&bar.Close, c}} {
		v, err := decimal.NewFromString(fld.src)
		if err != nil {
			return market.Bar{}, fmt.Errorf("scan bar: price %q: %w", fld.src, err)
		}
		*fld.dst = v
	}
	if vwap.Valid {
		v, err := decimal.NewFromString(vwap.String)
		if err != nil {
			return market.Bar{}, fmt.Errorf("scan bar: vwap %q: %w", vwap.String, err)
		}
		bar.VWAP = v
		bar.HasVWAP = true
	}
	return bar, nil
}
