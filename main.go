// Command signal is the backtesting CLI: ingest historical bars, run
// backtests, inspect run status, and sweep strategy parameters.
//
//	signal ingest   --db signal.db --file bars.csv
//	signal backtest run --symbols AAPL,MSFT --start 2024-06-03 --end 2024-06-28 \
//	    --strategies orb_breakout --capital 100000 --risk 0.01
//	signal backtest status <run_id>
//	signal backtest cancel <run_id>
//	signal optimize run --grid min_rr=1.5,2,2.5 --metric profit_factor
//
// Exit codes: 0 success, 2 validation error, 3 run failed, 130 cancelled.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/config"
	"github.com/sammarten/signal/internal/db"
	"github.com/sammarten/signal/internal/engine"
	"github.com/sammarten/signal/internal/logger"
	"github.com/sammarten/signal/internal/market"
	"github.com/sammarten/signal/internal/optimize"
	"github.com/sammarten/signal/internal/sim"
	"github.com/sammarten/signal/internal/strategy"
)

var version = "dev"

const (
	exitOK         = 0
	exitValidation = 2
	exitRunFailed  = 3
	exitCancelled  = 130
)

func main() {
	// Existing OS env vars win over .env entries.
	godotenv.Load()

	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitValidation
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "ingest":
		return cmdIngest(ctx, args[1:])
	case "backtest":
		return cmdBacktest(ctx, args[1:])
	case "optimize":
		return cmdOptimize(ctx, args[1:])
	case "version":
		logger.Banner(version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitValidation
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  signal ingest   --file bars.csv [--db signal.db]
  signal backtest run --symbols S[,S...] --start YYYY-MM-DD --end YYYY-MM-DD
                      --strategies ID[,ID...] [--capital N] [--risk P]
                      [--unlimited] [--strategy-param k=v]... [--fill TYPE]
                      [--slippage AMOUNT] [--seed N] [--db signal.db]
  signal backtest status <run_id> [--db signal.db]
  signal backtest cancel <run_id> [--db signal.db]
  signal optimize run --grid k=v1,v2[,...] [--grid ...] [--metric NAME]
                      [--walk-forward] [--train-months N] [--test-months N]
                      [--step-months N] [--min-trades N] ...backtest flags`)
}

func dbPath(fs *flag.FlagSet) *string {
	def := os.Getenv("SIGNAL_DB")
	if def == "" {
		def = "signal.db"
	}
	return fs.String("db", def, "SQLite database path")
}

// repeatedFlag collects a flag given multiple times.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }

func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

// --- ingest ---

func cmdIngest(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	path := dbPath(fs)
	file := fs.String("file", "", "CSV file of bars: symbol,bar_time,open,high,low,close,volume[,vwap[,session]]")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "ingest: --file is required")
		return exitValidation
	}

	bars, err := readBarsCSV(*file)
	if err != nil {
		logger.Error("INGEST", err, "read csv")
		return exitValidation
	}

	database, err := db.Open(*path)
	if err != nil {
		logger.Error("INGEST", err, "open database")
		return exitRunFailed
	}
	defer database.Close()

	n, err := database.InsertBars(ctx, bars)
	if err != nil {
		logger.Error("INGEST", err, "insert bars")
		return exitRunFailed
	}
	logger.Infof("INGEST", "wrote %d bars from %s", n, *file)
	return exitOK
}

func readBarsCSV(path string) ([]market.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var (
		bars []market.Bar
		line int
	)
	for {
		record, err := r.Read()
		if err == io.EOF {
			return bars, nil
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 && strings.EqualFold(record[0], "symbol") {
			continue // header
		}
		if len(record) < 7 {
			return nil, fmt.Errorf("line %d: need at least 7 fields, got %d", line, len(record))
		}

		barTime, err := time.Parse(time.RFC3339, record[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: bar_time: %w", line, err)
		}
		volume, err := strconv.ParseInt(record[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: volume: %w", line, err)
		}

		bar := market.Bar{
			Symbol:  record[0],
			BarTime: barTime.UTC(),
			Volume:  volume,
			Session: market.SessionRegular,
		}
		for i, dst := range []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close} {
			v, err := decimal.NewFromString(record[2+i])
			if err != nil {
				return nil, fmt.Errorf("line %d: price %q: %w", line, record[2+i], err)
			}
			*dst = v
		}
		if len(record) > 7 && record[7] != "" {
			v, err := decimal.NewFromString(record[7])
			if err != nil {
				return nil, fmt.Errorf("line %d: vwap %q: %w", line, record[7], err)
			}
			bar.VWAP = v
			bar.HasVWAP = true
		}
		if len(record) > 8 && record[8] != "" {
			bar.Session = market.Session(record[8])
		}
		if err := bar.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}
}

// --- backtest ---

type backtestFlags struct {
	fs *flag.FlagSet

	dbPath     *string
	symbols    *string
	start      *string
	end        *string
	strategies *string
	capital    *string
	risk       *string
	unlimited  *bool
	params     repeatedFlag
	fill       *string
	slippage   *string
	seed       *int64
	extended   *bool
}

func newBacktestFlags(name string) *backtestFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	bf := &backtestFlags{
		fs:         fs,
		dbPath:     dbPath(fs),
		symbols:    fs.String("symbols", "", "comma-separated symbols"),
		start:      fs.String("start", "", "start date YYYY-MM-DD (inclusive)"),
		end:        fs.String("end", "", "end date YYYY-MM-DD (inclusive)"),
		strategies: fs.String("strategies", "", "comma-separated strategy ids"),
		capital:    fs.String("capital", "100000", "initial capital"),
		risk:       fs.String("risk", "0.01", "risk fraction per trade"),
		unlimited:  fs.Bool("unlimited", false, "unlimited capital, one share per signal"),
		fill:       fs.String("fill", string(sim.FillNextBarOpen), "fill type: signal_price|next_bar_open|bar_close|vwap"),
		slippage:   fs.String("slippage", "", "fixed slippage amount, empty for none"),
		seed:       fs.Int64("seed", 0, "seed for random slippage"),
		extended:   fs.Bool("extended", false, "include extended-session bars"),
	}
	fs.Var(&bf.params, "strategy-param", "strategy parameter k=v, repeatable")
	return bf
}

func (bf *backtestFlags) runConfig() (config.Run, error) {
	cfg := config.Default()
	cfg.Symbols = splitList(*bf.symbols)
	cfg.Strategies = splitList(*bf.strategies)
	cfg.Unlimited = *bf.unlimited
	cfg.RegularOnly = !*bf.extended
	cfg.Seed = *bf.seed

	var err error
	if cfg.InitialCapital, err = decimal.NewFromString(*bf.capital); err != nil {
		return cfg, fmt.Errorf("--capital %q: %w", *bf.capital, err)
	}
	if cfg.RiskPerTrade, err = decimal.NewFromString(*bf.risk); err != nil {
		return cfg, fmt.Errorf("--risk %q: %w", *bf.risk, err)
	}
	if cfg.Start, err = parseDate(*bf.start); err != nil {
		return cfg, fmt.Errorf("--start: %w", err)
	}
	if cfg.End, err = parseDate(*bf.end); err != nil {
		return cfg, fmt.Errorf("--end: %w", err)
	}
	// The end date is inclusive: cover its whole day.
	cfg.End = cfg.End.Add(24*time.Hour - time.Second)

	cfg.Params = make(map[string]float64)
	for _, kv := range bf.params {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return cfg, fmt.Errorf("--strategy-param %q: want k=v", kv)
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return cfg, fmt.Errorf("--strategy-param %q: %w", kv, err)
		}
		cfg.Params[name] = f
	}
	return cfg, nil
}

func (bf *backtestFlags) simConfig() (sim.Config, error) {
	simCfg := sim.DefaultConfig()
	switch sim.FillType(*bf.fill) {
	case sim.FillSignalPrice, sim.FillNextBarOpen, sim.FillBarClose, sim.FillVwap:
		simCfg.Fill.Type = sim.FillType(*bf.fill)
	default:
		return simCfg, fmt.Errorf("--fill %q: unknown fill type", *bf.fill)
	}
	if *bf.slippage != "" {
		amount, err := decimal.NewFromString(*bf.slippage)
		if err != nil {
			return simCfg, fmt.Errorf("--slippage %q: %w", *bf.slippage, err)
		}
		simCfg.Fill.Slippage = sim.SlippageConfig{Kind: sim.SlippageFixed, Amount: amount}
	}
	return simCfg, nil
}

func cmdBacktest(ctx context.Context, args []string) int {
	if len(args) == 0 {
		usage()
		return exitValidation
	}
	switch args[0] {
	case "run":
		return cmdBacktestRun(ctx, args[1:])
	case "status":
		return cmdBacktestStatus(ctx, args[1:])
	case "cancel":
		return cmdBacktestCancel(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown backtest subcommand %q\n", args[0])
		return exitValidation
	}
}

func cmdBacktestRun(ctx context.Context, args []string) int {
	bf := newBacktestFlags("backtest run")
	if err := bf.fs.Parse(args); err != nil {
		return exitValidation
	}
	cfg, err := bf.runConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	simCfg, err := bf.simConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}

	database, err := db.Open(*bf.dbPath)
	if err != nil {
		logger.Error("CLI", err, "open database")
		return exitRunFailed
	}
	defer database.Close()

	coordinator := engine.New(database, database, strategy.Builtin())
	result, err := coordinator.Execute(ctx, cfg, simCfg)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("CLI", "run cancelled")
		return exitCancelled
	case isValidationError(err):
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	case err != nil:
		logger.Error("CLI", err, "run failed")
		return exitRunFailed
	}

	printSummary(result)
	return exitOK
}

func cmdBacktestStatus(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "backtest status: run id required")
		return exitValidation
	}
	runID := args[0]
	fs := flag.NewFlagSet("backtest status", flag.ContinueOnError)
	path := dbPath(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return exitValidation
	}

	database, err := db.Open(*path)
	if err != nil {
		logger.Error("CLI", err, "open database")
		return exitRunFailed
	}
	defer database.Close()

	record, ok, err := database.GetRun(ctx, runID)
	if err != nil {
		logger.Error("CLI", err, "load run")
		return exitRunFailed
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "run %s not found\n", runID)
		return exitValidation
	}

	fmt.Printf("run:      %s\n", record.ID)
	fmt.Printf("status:   %s\n", record.Status)
	fmt.Printf("progress: %.1f%% (%d/%d bars)\n", record.ProgressPct, record.BarsProcessed, record.TotalBars)
	if !record.SimTime.IsZero() {
		fmt.Printf("sim time: %s\n", record.SimTime.Format(time.RFC3339))
	}
	fmt.Printf("trades:   %d (signals %d)\n", record.TradeCount, record.SignalCount)
	if record.Error != "" {
		fmt.Printf("error:    %s\n", record.Error)
	}
	return exitOK
}

func cmdBacktestCancel(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "backtest cancel: run id required")
		return exitValidation
	}
	runID := args[0]
	fs := flag.NewFlagSet("backtest cancel", flag.ContinueOnError)
	path := dbPath(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return exitValidation
	}

	database, err := db.Open(*path)
	if err != nil {
		logger.Error("CLI", err, "open database")
		return exitRunFailed
	}
	defer database.Close()

	record, ok, err := database.GetRun(ctx, runID)
	if err != nil {
		logger.Error("CLI", err, "load run")
		return exitRunFailed
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "run %s not found\n", runID)
		return exitValidation
	}
	if record.Status != engine.StatusRunning && record.Status != engine.StatusPending {
		fmt.Fprintf(os.Stderr, "run %s is %s, nothing to cancel\n", runID, record.Status)
		return exitValidation
	}

	record.Status = engine.StatusCancelled
	record.FinishedAt = time.Now().UTC()
	if err := database.SaveRun(ctx, record); err != nil {
		logger.Error("CLI", err, "save run")
		return exitRunFailed
	}
	logger.Infof("CLI", "run %s marked cancelled", runID)
	return exitOK
}

// --- optimize ---

func cmdOptimize(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "run" {
		usage()
		return exitValidation
	}

	bf := newBacktestFlags("optimize run")
	var grids repeatedFlag
	bf.fs.Var(&grids, "grid", "parameter grid k=v1,v2[,...], repeatable")
	metric := bf.fs.String("metric", optimize.MetricProfitFactor, "objective metric")
	workers := bf.fs.Int("workers", 0, "parallel runs, 0 for auto")
	walkForward := bf.fs.Bool("walk-forward", false, "walk-forward evaluation")
	trainMonths := bf.fs.Int("train-months", 3, "walk-forward training months")
	testMonths := bf.fs.Int("test-months", 1, "walk-forward testing months")
	stepMonths := bf.fs.Int("step-months", 1, "walk-forward step months")
	minTrades := bf.fs.Int("min-trades", 10, "walk-forward minimum training trades")
	if err := bf.fs.Parse(args[1:]); err != nil {
		return exitValidation
	}

	base, err := bf.runConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	simCfg, err := bf.simConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}

	grid, err := parseGrids(grids)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}

	opt := config.Optimization{
		Base:    base,
		Grid:    grid,
		Metric:  *metric,
		Workers: *workers,
	}
	if *walkForward {
		opt.WalkForward = &config.WalkForward{
			TrainingMonths: *trainMonths,
			TestingMonths:  *testMonths,
			StepMonths:     *stepMonths,
			MinTrades:      *minTrades,
		}
	}

	database, err := db.Open(*bf.dbPath)
	if err != nil {
		logger.Error("CLI", err, "open database")
		return exitRunFailed
	}
	defer database.Close()

	coordinator := engine.New(database, database, strategy.Builtin())
	runner := optimize.NewRunner(coordinator, database)

	progress := func(p optimize.Progress) {
		logger.Infof("OPTIMIZE", "%d/%d combinations", p.Completed, p.Total)
	}

	if opt.WalkForward != nil {
		result, err := runner.WalkForward(ctx, opt, simCfg, progress)
		switch {
		case errors.Is(err, context.Canceled):
			return exitCancelled
		case isValidationError(err):
			fmt.Fprintln(os.Stderr, err)
			return exitValidation
		case err != nil:
			logger.Error("CLI", err, "walk-forward failed")
			return exitRunFailed
		}
		printWalkForward(result)
		return exitOK
	}

	result, err := runner.Run(ctx, opt, simCfg, progress)
	switch {
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case isValidationError(err):
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	case err != nil:
		logger.Error("CLI", err, "sweep failed")
		return exitRunFailed
	}
	printSweep(result)
	return exitOK
}

func parseGrids(grids []string) (map[string][]float64, error) {
	out := make(map[string][]float64)
	for _, g := range grids {
		name, list, ok := strings.Cut(g, "=")
		if !ok {
			return nil, fmt.Errorf("--grid %q: want k=v1,v2", g)
		}
		for _, raw := range strings.Split(list, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("--grid %q: value %q: %w", g, raw, err)
			}
			out[name] = append(out[name], v)
		}
	}
	return out, nil
}

// --- output ---

func printSummary(result *engine.RunResult) {
	tm := result.Report.Trades
	fmt.Printf("run:        %s\n", result.RunID)
	fmt.Printf("signals:    %d (%d dropped)\n", result.Signals, result.Dropped)
	fmt.Printf("trades:     %d (%d winners, %d losers)\n", tm.TotalTrades, tm.Winners, tm.Losers)
	if tm.TotalTrades > 0 {
		fmt.Printf("win rate:   %.1f%%\n", tm.WinRate)
		fmt.Printf("net profit: %s\n", tm.NetProfit)
		if tm.HasProfitFactor {
			fmt.Printf("pf:         %.2f\n", tm.ProfitFactor)
		}
		fmt.Printf("expectancy: %s\n", tm.Expectancy)
		fmt.Printf("avg R:      %s\n", tm.AvgRMultiple)
	}
	dd := result.Report.Drawdown
	if !dd.Empty {
		fmt.Printf("max dd:     %.2f%% (%s)\n", dd.MaxDrawdown*100, dd.MaxDrawdownDollars)
	}
}

func printSweep(result *optimize.Result) {
	fmt.Printf("sweep:  %s (%d combinations, metric %s)\n", result.OptID, len(result.Results), result.Metric)
	if result.Best == nil {
		fmt.Println("best:   none (no combination qualified)")
		return
	}
	fmt.Printf("best:   %v -> %.4f (%d trades, run %s)\n",
		result.Best.Params, result.Best.MetricValue, result.Best.TradeCount, result.Best.RunID)
}

func printWalkForward(result *optimize.WalkForwardResult) {
	fmt.Printf("walk-forward: %d windows, %d evaluated, %d overfit, mean test %s %.4f\n",
		len(result.Windows), result.Evaluated, result.OverfitCount, result.Metric, result.MeanTestMetric)
	for i, w := range result.Windows {
		if w.Skipped {
			fmt.Printf("  window %d: skipped (%s)\n", i+1, w.Reason)
			continue
		}
		flag := ""
		if w.Overfit {
			flag = " OVERFIT"
		}
		fmt.Printf("  window %d: %v train %.4f test %.4f degradation %.0f%%%s\n",
			i+1, w.BestParams, w.TrainMetric, w.TestMetric, w.Degradation*100, flag)
	}
}

// --- helpers ---

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("date required")
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// isValidationError maps the configuration error taxonomy to exit code 2.
func isValidationError(err error) bool {
	return errors.Is(err, config.ErrEmptySymbols) ||
		errors.Is(err, config.ErrEmptyStrategies) ||
		errors.Is(err, config.ErrInvalidDateRange) ||
		errors.Is(err, config.ErrInvalidCapital) ||
		errors.Is(err, config.ErrInvalidRiskFraction) ||
		errors.Is(err, config.ErrEmptyParameterGrid)
}
