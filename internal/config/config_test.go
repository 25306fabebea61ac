package config

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validRun() Run {
	r := Default()
	r.Symbols = []string{"AAPL"}
	r.Strategies = []string{"orb_breakout"}
	r.Start = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	r.End = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)
	return r
}

func TestRunValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Run)
		want   error
	}{
		{"valid", func(r *Run) {}, nil},
		{"no symbols", func(r *Run) { r.Symbols = nil }, ErrEmptySymbols},
		{"no strategies", func(r *Run) { r.Strategies = nil }, ErrEmptyStrategies},
		{"reversed dates", func(r *Run) { r.Start, r.End = r.End, r.Start }, ErrInvalidDateRange},
		{"zero start", func(r *Run) { r.Start = time.Time{} }, ErrInvalidDateRange},
		{"zero capital", func(r *Run) { r.InitialCapital = decimal.Zero }, ErrInvalidCapital},
		{"negative risk", func(r *Run) { r.RiskPerTrade = decimal.NewFromInt(-1) }, ErrInvalidRiskFraction},
		{"risk above one", func(r *Run) { r.RiskPerTrade = decimal.NewFromInt(2) }, ErrInvalidRiskFraction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRun()
			tt.mutate(&r)
			err := r.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnlimitedSkipsCapitalChecks(t *testing.T) {
	r := validRun()
	r.Unlimited = true
	r.InitialCapital = decimal.Zero
	r.RiskPerTrade = decimal.Zero
	if err := r.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil in unlimited mode", err)
	}
}

func TestWithParamsDoesNotMutateBase(t *testing.T) {
	r := validRun()
	r.Params = map[string]float64{"min_rr": 2}
	merged := r.WithParams(map[string]float64{"min_rr": 3, "or_buffer": 0.1})
	if r.Params["min_rr"] != 2 {
		t.Error("base params mutated")
	}
	if merged.Params["min_rr"] != 3 || merged.Params["or_buffer"] != 0.1 {
		t.Errorf("merged = %v", merged.Params)
	}
}

func TestOptimizationValidate(t *testing.T) {
	o := Optimization{Base: validRun(), Grid: map[string][]float64{"min_rr": {1.5, 2}}}
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	o.Grid = nil
	if err := o.Validate(); !errors.Is(err, ErrEmptyParameterGrid) {
		t.Errorf("empty grid = %v, want ErrEmptyParameterGrid", err)
	}
	o.Grid = map[string][]float64{"min_rr": {}}
	if err := o.Validate(); !errors.Is(err, ErrEmptyParameterGrid) {
		t.Errorf("empty values = %v, want ErrEmptyParameterGrid", err)
	}
}
