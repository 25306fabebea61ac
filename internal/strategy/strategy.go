// Package strategy defines the contract signal-generation strategies
// satisfy and the registry the collector resolves them from. Strategies
// are pure: same bars and levels in, same setups out.
package strategy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sammarten/signal/internal/levels"
	"github.com/sammarten/signal/internal/market"
	"github.com/sammarten/signal/internal/sim"
)

// Params carries the tunable knobs handed to a strategy evaluation. The
// optimization runner sweeps these.
type Params map[string]float64

// Get returns the named parameter or def when absent.
func (p Params) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Setup is a proposed trade: entry, protective stop, target, and an
// optional structured exit plan. RetestBar anchors the entry decision to
// the bar that produced it.
type Setup struct {
	Symbol     string
	Direction  market.Direction
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal

	TakeProfit    decimal.Decimal
	HasTakeProfit bool

	Exit *sim.ExitStrategy

	StrategyID string

	LevelType  levels.LevelType
	LevelPrice decimal.Decimal
	HasLevel   bool

	RetestBar *market.Bar
}

// Validate enforces the price ordering invariant: for longs
// stop < entry < target, mirrored for shorts.
func (s Setup) Validate() error {
	switch s.Direction {
	case market.Long:
		if !s.StopLoss.LessThan(s.EntryPrice) {
			return fmt.Errorf("setup %s: long stop %s must be below entry %s", s.Symbol, s.StopLoss, s.EntryPrice)
		}
		if s.HasTakeProfit && !s.TakeProfit.GreaterThan(s.EntryPrice) {
			return fmt.Errorf("setup %s: long target %s must be above entry %s", s.Symbol, s.TakeProfit, s.EntryPrice)
		}
	case market.Short:
		if !s.StopLoss.GreaterThan(s.EntryPrice) {
			return fmt.Errorf("setup %s: short stop %s must be above entry %s", s.Symbol, s.StopLoss, s.EntryPrice)
		}
		if s.HasTakeProfit && !s.TakeProfit.LessThan(s.EntryPrice) {
			return fmt.Errorf("setup %s: short target %s must be below entry %s", s.Symbol, s.TakeProfit, s.EntryPrice)
		}
	default:
		return fmt.Errorf("setup %s: unknown direction %q", s.Symbol, s.Direction)
	}
	if s.Exit != nil {
		if err := s.Exit.Validate(); err != nil {
			return fmt.Errorf("setup %s: %w", s.Symbol, err)
		}
	}
	return nil
}

// RewardRisk returns the reward-to-risk ratio of the setup, zero when no
// take-profit is attached.
func (s Setup) RewardRisk() decimal.Decimal {
	risk := s.EntryPrice.Sub(s.StopLoss).Abs()
	if !s.HasTakeProfit || risk.IsZero() {
		return decimal.Zero
	}
	return s.TakeProfit.Sub(s.EntryPrice).Abs().Div(risk)
}

// Strategy evaluates one symbol's recent bars against its key levels and
// proposes zero or more setups.
type Strategy interface {
	ID() string
	Evaluate(symbol string, bars []market.Bar, snap levels.Snapshot, params Params) ([]Setup, error)
}

// Registry maps strategy ids to implementations. It is built once per run
// and injected into the collector; there is no process-global registry.
type Registry struct {
	byID  map[string]Strategy
	order []string
}

// NewRegistry builds a registry from the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{byID: make(map[string]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds a strategy, replacing any previous one with the same id.
func (r *Registry) Register(s Strategy) {
	if _, exists := r.byID[s.ID()]; !exists {
		r.order = append(r.order, s.ID())
	}
	r.byID[s.ID()] = s
}

// Lookup resolves a strategy id.
func (r *Registry) Lookup(id string) (Strategy, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Resolve returns the strategies for the requested ids, erroring on any
// unknown id. The result preserves the requested order.
func (r *Registry) Resolve(ids []string) ([]Strategy, error) {
	out := make([]Strategy, 0, len(ids))
	for _, id := range ids {
		s, ok := r.byID[id]
		if !ok {
			known := r.IDs()
			sort.Strings(known)
			return nil, fmt.Errorf("strategy: unknown id %q (known: %v)", id, known)
		}
		out = append(out, s)
	}
	return out, nil
}

// Builtin returns a registry with the strategies the engine ships with.
func Builtin() *Registry {
	return NewRegistry(ORBBreakout{}, LevelReclaim{})
}
