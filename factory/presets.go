package factory

import (
	"fmt"
	"sort"
)

// =============================================================================
// TARGET PRESETS - Ready-made JSON targets for common product grades
// =============================================================================

// Preset is a named target definition.
type Preset struct {
	Name        string
	Description string
	JSON        string
}

// CapsuleGradeJSON returns a tight within-range target for capsule shells:
// bloom, viscosity and pH must all hold, in that order.
func CapsuleGradeJSON() string {
	return `{
		"primary": {"min": 240, "max": 260, "strategy": "within_range"},
		"secondary": [
			{"attribute": "viscosity", "min": 40, "max": 50},
			{"attribute": "ph", "min": 5.0, "max": 6.0},
			{"attribute": "color", "match": "light"}
		]
	}`
}

// ConfectioneryJSON returns a target that may blend any batch as long as
// the average lands in range. Useful for clearing off-spec stock.
func ConfectioneryJSON() string {
	return `{
		"primary": {"min": 200, "max": 230, "preferred_mean": 215, "strategy": "unconstrained_average"},
		"secondary": [
			{"attribute": "clarity", "min": 80, "max": 100},
			{"attribute": "odor", "match": "neutral"}
		]
	}`
}

// TechnicalGradeJSON returns an outside-range target that draws a balanced
// mix of batches below and above the pharmaceutical band.
func TechnicalGradeJSON() string {
	return `{
		"primary": {"min": 230, "max": 270, "strategy": "outside_range"},
		"secondary": [
			{"attribute": "moisture", "min": 8, "max": 13, "enabled": false}
		]
	}`
}

// WithinRangeJSON builds a bloom-only within-range target.
func WithinRangeJSON(min, max float64) string {
	return fmt.Sprintf(`{"primary": {"min": %g, "max": %g, "strategy": "within_range"}}`, min, max)
}

var presets = map[string]Preset{
	"capsule": {
		Name:        "capsule",
		Description: "Pharmaceutical capsule shells: bloom 240-260, viscosity, pH, light color",
		JSON:        CapsuleGradeJSON(),
	},
	"confectionery": {
		Name:        "confectionery",
		Description: "Gummies and jellies: average bloom 200-230 from any stock",
		JSON:        ConfectioneryJSON(),
	},
	"technical": {
		Name:        "technical",
		Description: "Technical grade: batches outside bloom 230-270",
		JSON:        TechnicalGradeJSON(),
	},
}

// GetPreset returns a preset by name.
func GetPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// ListPresets returns every preset, sorted by name.
func ListPresets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
