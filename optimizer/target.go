package optimizer

import (
	"fmt"
	"math"

	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// STRATEGY - How the primary range filters candidates
// =============================================================================

type Strategy string

const (
	StrategyWithinRange          Strategy = "within_range"          // Only batches inside [Min, Max]
	StrategyOutsideRange         Strategy = "outside_range"         // Only batches strictly outside [Min, Max]
	StrategyUnconstrainedAverage Strategy = "unconstrained_average" // Any batch; steer the mean into range
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyWithinRange, StrategyOutsideRange, StrategyUnconstrainedAverage:
		return true
	default:
		return false
	}
}

// phrase is used in diagnostics: "no feasible selection of size 2 within range".
func (s Strategy) phrase() string {
	switch s {
	case StrategyWithinRange:
		return "within range"
	case StrategyOutsideRange:
		return "outside range"
	default:
		return "for unconstrained average"
	}
}

// =============================================================================
// TARGET SPECIFICATION
// =============================================================================

// PrimaryTarget is the bloom target.
type PrimaryTarget struct {
	Min           float64
	Max           float64
	PreferredMean *float64 // Clamped into [Min, Max]; midpoint when nil
	Strategy      Strategy
}

// Mean returns the value the greedy fill steers toward.
func (p PrimaryTarget) Mean() float64 {
	if p.PreferredMean == nil {
		return (p.Min + p.Max) / 2
	}
	return math.Min(math.Max(*p.PreferredMean, p.Min), p.Max)
}

// InRange reports whether v lies in [Min, Max].
func (p PrimaryTarget) InRange(v float64) bool {
	return v >= p.Min && v <= p.Max
}

// Admits applies the strategy predicate to a single batch value.
func (p PrimaryTarget) Admits(v float64) bool {
	switch p.Strategy {
	case StrategyWithinRange:
		return p.InRange(v)
	case StrategyOutsideRange:
		return v < p.Min || v > p.Max
	default:
		return true
	}
}

// SecondaryTarget is a range on a numeric attribute or a required value on a
// categorical one. Disabled targets are carried but never scored.
type SecondaryTarget struct {
	Attribute quality.Attribute
	Enabled   bool
	Min       float64
	Max       float64
	Match     string // Categorical attributes only
}

// distance returns how far m is from [Min, Max], in units of the range width.
func (t SecondaryTarget) distance(m float64) float64 {
	span := t.Max - t.Min
	if span <= 0 {
		span = math.Max(math.Abs(t.Max), 1)
	}
	switch {
	case m < t.Min:
		return (t.Min - m) / span
	case m > t.Max:
		return (m - t.Max) / span
	default:
		return 0
	}
}

// TargetSpec is the full blend target. Secondary order is priority order:
// earlier targets dominate ties.
type TargetSpec struct {
	Primary   PrimaryTarget
	Secondary []SecondaryTarget
}

// Validate rejects specifications the optimizer cannot act on.
func (t TargetSpec) Validate() error {
	p := t.Primary
	if !p.Strategy.Valid() {
		return &quality.SpecError{Field: "primary.strategy", Reason: fmt.Sprintf("unknown strategy %q", p.Strategy)}
	}
	if !finite(p.Min) || !finite(p.Max) {
		return &quality.SpecError{Field: "primary", Reason: "min and max must be finite"}
	}
	if p.Min > p.Max {
		return &quality.SpecError{Field: "primary", Reason: fmt.Sprintf("min %.2f > max %.2f", p.Min, p.Max)}
	}
	if p.PreferredMean != nil && !finite(*p.PreferredMean) {
		return &quality.SpecError{Field: "primary.preferred_mean", Reason: "must be finite"}
	}

	seen := make(map[quality.Attribute]bool, len(t.Secondary))
	for i, s := range t.Secondary {
		field := fmt.Sprintf("secondary[%d]", i)
		switch {
		case s.Attribute == quality.AttrBloom:
			return &quality.SpecError{Field: field, Reason: "bloom is the primary attribute"}
		case !s.Attribute.IsNumeric() && !s.Attribute.IsCategorical():
			return &quality.SpecError{Field: field, Reason: fmt.Sprintf("unknown attribute %q", s.Attribute)}
		case seen[s.Attribute]:
			return &quality.SpecError{Field: field, Reason: fmt.Sprintf("duplicate target for %s", s.Attribute)}
		}
		seen[s.Attribute] = true

		if !s.Enabled {
			continue
		}
		if s.Attribute.IsCategorical() {
			if quality.NormalizeLabel(s.Match) == "" {
				return &quality.SpecError{Field: field, Reason: fmt.Sprintf("%s target needs a match value", s.Attribute)}
			}
			continue
		}
		if !finite(s.Min) || !finite(s.Max) {
			return &quality.SpecError{Field: field, Reason: "min and max must be finite"}
		}
		if s.Min > s.Max {
			return &quality.SpecError{Field: field, Reason: fmt.Sprintf("%s min %.2f > max %.2f", s.Attribute, s.Min, s.Max)}
		}
	}
	return nil
}

// enabled returns the secondary targets that take part in scoring, in order.
func (t TargetSpec) enabled() []SecondaryTarget {
	var out []SecondaryTarget
	for _, s := range t.Secondary {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
