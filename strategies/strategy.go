// Package strategies holds the strategy definitions the engine copies trades
// with, a registry for looking them up by name, and the matcher that picks a
// strategy for an incoming signal.
package strategies

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/papertrade/signal"
)

// TakeProfitTier is one take-profit threshold. CloseFrac is the fraction of
// the original position closed when the tier is reached; the final tier (or a
// single tier) always closes whatever remains.
type TakeProfitTier struct {
	GainPct   float64
	CloseFrac float64
}

// ExitRules are evaluated every monitoring tick in a fixed priority order:
// stop-loss, take-profit, trailing-stop, max-hold. A zero value disables the
// corresponding rule, except MaxHold which must always be set.
type ExitRules struct {
	StopLossPct float64

	TakeProfits []TakeProfitTier

	// Trailing stop arms only once unrealized gain reaches the activation
	// threshold; before that it is never evaluated as a close condition.
	TrailActivationPct float64
	TrailDistancePct   float64

	MaxHold time.Duration
}

// Validate checks the rules are internally consistent.
func (e ExitRules) Validate() error {
	if e.StopLossPct < 0 || e.StopLossPct >= 1 {
		return fmt.Errorf("stop-loss pct %.4f out of range [0,1)", e.StopLossPct)
	}
	prev := 0.0
	for i, t := range e.TakeProfits {
		if t.GainPct <= prev {
			return fmt.Errorf("take-profit tier %d: gain %.4f not strictly increasing", i, t.GainPct)
		}
		if t.CloseFrac <= 0 || t.CloseFrac > 1 {
			return fmt.Errorf("take-profit tier %d: close fraction %.4f out of range (0,1]", i, t.CloseFrac)
		}
		prev = t.GainPct
	}
	if (e.TrailActivationPct > 0) != (e.TrailDistancePct > 0) {
		return fmt.Errorf("trailing stop needs both activation and distance set")
	}
	if e.TrailDistancePct < 0 || e.TrailDistancePct >= 1 {
		return fmt.Errorf("trail distance %.4f out of range [0,1)", e.TrailDistancePct)
	}
	if e.MaxHold <= 0 {
		return fmt.Errorf("max hold must be positive")
	}
	return nil
}

// Strategy is a registered copy-trading strategy. Definitions are immutable
// for the lifetime of a run; reconfiguration happens between runs only.
type Strategy struct {
	Name string

	// Applicability predicate.
	Chains        []string // empty = any chain
	Direction     signal.Direction
	MinNotional   float64 // 0 = no notional floor
	MinTokenAge   float64 // hours, 0 = no floor
	MaxTokenAge   float64 // hours, 0 = no ceiling
	MinWinRate    float64 // 0..1, 0 = no floor
	MinSampleSize int

	// Sizing and exposure, enforced by the risk manager.
	BucketUSD        float64
	MaxBucketFrac    float64 // max fraction of the bucket per single position
	MaxOpenPositions int
	MaxPerToken      int // correlation limit per token

	// Tie-break weight when two strategies score the same confidence.
	Priority float64

	Exits ExitRules
}

// Validate checks a definition before registration.
func (s Strategy) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy: empty name")
	}
	if s.BucketUSD <= 0 {
		return fmt.Errorf("strategy %s: bucket must be positive", s.Name)
	}
	if s.MaxBucketFrac <= 0 || s.MaxBucketFrac > 1 {
		return fmt.Errorf("strategy %s: max bucket fraction %.4f out of range (0,1]", s.Name, s.MaxBucketFrac)
	}
	if s.MaxOpenPositions <= 0 {
		return fmt.Errorf("strategy %s: max open positions must be positive", s.Name)
	}
	if s.MaxPerToken <= 0 {
		return fmt.Errorf("strategy %s: max per token must be positive", s.Name)
	}
	if s.MinWinRate < 0 || s.MinWinRate > 1 {
		return fmt.Errorf("strategy %s: min win rate %.4f out of range [0,1]", s.Name, s.MinWinRate)
	}
	if err := s.Exits.Validate(); err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	return nil
}

func (s Strategy) acceptsChain(chain string) bool {
	if len(s.Chains) == 0 {
		return true
	}
	for _, c := range s.Chains {
		if c == chain {
			return true
		}
	}
	return false
}

// Registry holds the strategies registered for a run.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy. Duplicate names are an error: a run must not
// silently shadow one definition with another.
func (r *Registry) Register(s Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[s.Name]; ok {
		return fmt.Errorf("strategy %q already registered", s.Name)
	}
	r.strategies[s.Name] = s
	return nil
}

func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// List returns all strategies sorted by name for deterministic iteration.
func (r *Registry) List() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name
	}
	return names
}
