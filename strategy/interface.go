package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Plug-in pattern for strategies
// ═══════════════════════════════════════════════════════════════════════════════
//
// A strategy is a pure function of the bar history: it sees bars up to and
// including the current one plus the current position side (if any), and
// returns a SignalIntent. No look-ahead, no side effects.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Context carries the combo identity into the strategy call.
type Context struct {
	Symbol    string
	Timeframe types.Timeframe
	Bot       string
}

// Strategy is the interface all trading strategies implement.
type Strategy interface {
	// Name returns the strategy identifier (the "bot" name).
	Name() string

	// Warmup returns the minimum number of bars required before signals.
	Warmup() int

	// OnBars evaluates the bar history and returns a signal. position is
	// the current side for this combo, SideNone when flat.
	OnBars(bars []types.Bar, position types.Side, ctx Context) types.SignalIntent
}

// Factory constructs a fresh strategy instance.
type Factory func() Strategy

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a strategy factory under its name. Later registrations of the
// same name replace earlier ones.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New instantiates a registered strategy by bot name.
func New(name string) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(), nil
}

// Names returns the registered bot names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
