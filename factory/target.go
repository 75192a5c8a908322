/*
Package factory provides JSON to Go target conversion.

PURPOSE:
  Converts JSON target definitions into optimizer.TargetSpec values. Quality
  staff define targets in JSON (or pick a preset), and the factory fills in
  defaults and validates before anything reaches the optimizer.

JSON SCHEMA:
  {
    "primary": {
      "min": 240,
      "max": 260,
      "preferred_mean": 250,
      "strategy": "within_range"
    },
    "secondary": [
      {"attribute": "viscosity", "min": 40, "max": 50},
      {"attribute": "ph", "min": 5.0, "max": 6.0, "enabled": false},
      {"attribute": "color", "match": "light"}
    ]
  }

DEFAULTS:
  - strategy: within_range
  - enabled: true
  - attribute names and match labels are case-insensitive

SECONDARY ORDER:
  The order of the secondary array is its priority. The first entry weighs
  most in the optimizer's score.

USAGE:
  f := factory.NewTargetFactory()
  spec, err := f.ParseTarget(jsonString)

  // From a preset
  spec, err := f.ParseTarget(factory.CapsuleGradeJSON())

SEE ALSO:
  - optimizer/target.go: TargetSpec and validation
  - presets.go: Ready-made targets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/blend-engine/optimizer"
	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TargetJSON is the JSON representation of a target.
type TargetJSON struct {
	Primary   PrimaryJSON     `json:"primary"`
	Secondary []SecondaryJSON `json:"secondary,omitempty"`
}

// PrimaryJSON is the bloom target.
type PrimaryJSON struct {
	Min           float64  `json:"min"`
	Max           float64  `json:"max"`
	PreferredMean *float64 `json:"preferred_mean,omitempty"`
	Strategy      string   `json:"strategy,omitempty"` // within_range, outside_range, unconstrained_average
}

// SecondaryJSON is a numeric range or a categorical match.
type SecondaryJSON struct {
	Attribute string   `json:"attribute"`
	Enabled   *bool    `json:"enabled,omitempty"` // Default true
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Match     string   `json:"match,omitempty"` // color, odor
}

// =============================================================================
// TARGET FACTORY
// =============================================================================

// TargetFactory converts JSON targets to optimizer specifications.
type TargetFactory struct{}

// NewTargetFactory creates a new target factory.
func NewTargetFactory() *TargetFactory {
	return &TargetFactory{}
}

// ParseTarget parses a JSON string into a validated TargetSpec.
func (f *TargetFactory) ParseTarget(jsonStr string) (optimizer.TargetSpec, error) {
	var tj TargetJSON
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tj); err != nil {
		return optimizer.TargetSpec{}, fmt.Errorf("%w: failed to parse target JSON: %v", quality.ErrInvalidSpecification, err)
	}
	return f.FromJSON(tj)
}

// FromJSON converts TargetJSON to a validated TargetSpec.
func (f *TargetFactory) FromJSON(tj TargetJSON) (optimizer.TargetSpec, error) {
	spec := optimizer.TargetSpec{
		Primary: optimizer.PrimaryTarget{
			Min:           tj.Primary.Min,
			Max:           tj.Primary.Max,
			PreferredMean: tj.Primary.PreferredMean,
			Strategy:      parseStrategy(tj.Primary.Strategy),
		},
	}

	for i, sj := range tj.Secondary {
		attr := quality.Attribute(strings.ToLower(strings.TrimSpace(sj.Attribute)))
		st := optimizer.SecondaryTarget{
			Attribute: attr,
			Enabled:   sj.Enabled == nil || *sj.Enabled,
			Match:     sj.Match,
		}
		if attr.IsNumeric() {
			if st.Enabled && (sj.Min == nil || sj.Max == nil) {
				return optimizer.TargetSpec{}, &quality.SpecError{
					Field:  fmt.Sprintf("secondary[%d]", i),
					Reason: fmt.Sprintf("%s target needs min and max", attr),
				}
			}
			if sj.Min != nil {
				st.Min = *sj.Min
			}
			if sj.Max != nil {
				st.Max = *sj.Max
			}
		}
		spec.Secondary = append(spec.Secondary, st)
	}

	if err := spec.Validate(); err != nil {
		return optimizer.TargetSpec{}, err
	}
	return spec, nil
}

// ToJSON converts a TargetSpec back to its JSON representation.
func (f *TargetFactory) ToJSON(spec optimizer.TargetSpec) TargetJSON {
	tj := TargetJSON{
		Primary: PrimaryJSON{
			Min:           spec.Primary.Min,
			Max:           spec.Primary.Max,
			PreferredMean: spec.Primary.PreferredMean,
			Strategy:      string(spec.Primary.Strategy),
		},
	}
	for _, st := range spec.Secondary {
		enabled := st.Enabled
		sj := SecondaryJSON{Attribute: string(st.Attribute), Enabled: &enabled}
		if st.Attribute.IsCategorical() {
			sj.Match = st.Match
		} else {
			min, max := st.Min, st.Max
			sj.Min, sj.Max = &min, &max
		}
		tj.Secondary = append(tj.Secondary, sj)
	}
	return tj
}

// MarshalTarget renders spec as the JSON frozen into blend records.
func (f *TargetFactory) MarshalTarget(spec optimizer.TargetSpec) ([]byte, error) {
	return json.Marshal(f.ToJSON(spec))
}

func parseStrategy(s string) optimizer.Strategy {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return optimizer.StrategyWithinRange
	}
	return optimizer.Strategy(s)
}
