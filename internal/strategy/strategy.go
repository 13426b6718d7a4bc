// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry for managing multiple strategy implementations.
package strategy

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
	"trendlab/internal/indicator"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Indicators lists the columns the strategy reads. The engine computes
	// them once per instrument before the run starts.
	Indicators() []indicator.Spec

	// GenerateIntents is called once per session after exits are processed.
	// It sees only data up to and including the session's close.
	GenerateIntents(ctx context.Context, in Input) ([]domain.SignalIntent, error)
}

// Input is everything a strategy may read for one session.
type Input struct {
	Market    Market
	Portfolio Portfolio
	// RiskFraction is the fraction of equity a new trade may put at risk
	// before regime scaling.
	RiskFraction decimal.Decimal
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
