// Package config holds the run configurations the CLI and coordinator
// share, with the synchronous validation the run entry points perform.
package config

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Validation errors, surfaced before a run starts.
var (
	ErrEmptySymbols        = errors.New("config: no symbols")
	ErrEmptyStrategies     = errors.New("config: no strategies")
	ErrInvalidDateRange    = errors.New("config: start date must not be after end date")
	ErrInvalidCapital      = errors.New("config: initial capital must be positive")
	ErrInvalidRiskFraction = errors.New("config: risk per trade must be in (0, 1]")
	ErrEmptyParameterGrid  = errors.New("config: parameter grid is empty")
)

// Run configures one backtest.
type Run struct {
	Symbols    []string  `json:"symbols"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Strategies []string  `json:"strategies"`

	InitialCapital decimal.Decimal `json:"initial_capital"`
	RiskPerTrade   decimal.Decimal `json:"risk_per_trade"`
	Unlimited      bool            `json:"unlimited"`

	// Params are free-form strategy parameters, e.g. min_rr.
	Params map[string]float64 `json:"params,omitempty"`

	// RegularOnly restricts the replay to regular-session bars.
	RegularOnly bool `json:"regular_only"`

	// Seed drives random slippage, when configured.
	Seed int64 `json:"seed,omitempty"`
}

// Default returns a Run with the platform defaults; symbols, dates, and
// strategies still need filling in.
func Default() Run {
	return Run{
		InitialCapital: decimal.NewFromInt(100000),
		RiskPerTrade:   decimal.RequireFromString("0.01"),
		RegularOnly:    true,
	}
}

// Validate applies the synchronous checks. Unlimited mode skips the
// capital and risk constraints.
func (r Run) Validate() error {
	if len(r.Symbols) == 0 {
		return ErrEmptySymbols
	}
	if len(r.Strategies) == 0 {
		return ErrEmptyStrategies
	}
	if r.Start.IsZero() || r.End.IsZero() || r.Start.After(r.End) {
		return ErrInvalidDateRange
	}
	if r.Unlimited {
		return nil
	}
	if !r.InitialCapital.IsPositive() {
		return ErrInvalidCapital
	}
	one := decimal.NewFromInt(1)
	if !r.RiskPerTrade.IsPositive() || r.RiskPerTrade.GreaterThan(one) {
		return ErrInvalidRiskFraction
	}
	return nil
}

// WithParams returns a copy of the run with the given parameters merged
// over the existing ones. Used by the optimization runner.
func (r Run) WithParams(params map[string]float64) Run {
	merged := make(map[string]float64, len(r.Params)+len(params))
	for k, v := range r.Params {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	out := r
	out.Params = merged
	return out
}

// Optimization configures a parameter sweep over a base run.
type Optimization struct {
	Base Run `json:"base"`

	// Grid maps parameter name to candidate values. The sweep runs the
	// Cartesian product.
	Grid map[string][]float64 `json:"grid"`

	// Metric selects the objective: profit_factor, net_profit,
	// expectancy, win_rate, or sharpe.
	Metric string `json:"metric"`

	// Workers bounds parallel runs. Zero means a sensible default.
	Workers int `json:"workers"`

	WalkForward *WalkForward `json:"walk_forward,omitempty"`
}

// WalkForward configures rolling train/test evaluation.
type WalkForward struct {
	TrainingMonths int `json:"training_months"`
	TestingMonths  int `json:"testing_months"`
	StepMonths     int `json:"step_months"`
	MinTrades      int `json:"min_trades"`
}

// Validate checks the sweep configuration.
func (o Optimization) Validate() error {
	if err := o.Base.Validate(); err != nil {
		return err
	}
	if len(o.Grid) == 0 {
		return ErrEmptyParameterGrid
	}
	for _, values := range o.Grid {
		if len(values) == 0 {
			return ErrEmptyParameterGrid
		}
	}
	return nil
}
