package builtins

import (
	"fmt"

	"trendlab/internal/strategy"
)

// Params bundles the parameters of every built-in strategy.
type Params struct {
	Breakout BreakoutParams `yaml:"breakout"`
	SMACross SMACrossParams `yaml:"sma_cross"`
}

// DefaultParams returns the defaults for every built-in.
func DefaultParams() Params {
	return Params{Breakout: DefaultBreakoutParams(), SMACross: DefaultSMACrossParams()}
}

// NewRegistry registers every built-in strategy configured with p.
func NewRegistry(p Params) (*strategy.Registry, error) {
	r := strategy.NewRegistry()
	for _, name := range Names() {
		s, err := Build(name, p)
		if err != nil {
			return nil, err
		}
		r.Register(s)
	}
	return r, nil
}

// Names lists the built-in strategy names in sorted order.
func Names() []string {
	return []string{"sma-cross", "trend-breakout"}
}

// Build returns the named strategy configured with p. Only the parameters of
// the named strategy are validated.
func Build(name string, p Params) (strategy.Strategy, error) {
	var (
		s   strategy.Strategy
		err error
	)
	switch name {
	case "trend-breakout":
		s, err = NewTrendBreakout(p.Breakout)
	case "sma-cross":
		s, err = NewSMACross(p.SMACross)
	default:
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, Names())
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
