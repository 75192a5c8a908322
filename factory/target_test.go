package factory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/blend-engine/optimizer"
	"github.com/warp/blend-engine/quality"
)

func TestParseTarget_Defaults(t *testing.T) {
	f := NewTargetFactory()

	spec, err := f.ParseTarget(`{
		"primary": {"min": 240, "max": 260},
		"secondary": [
			{"attribute": "Viscosity", "min": 40, "max": 50},
			{"attribute": "color", "match": "Light"}
		]
	}`)
	require.NoError(t, err)

	assert.Equal(t, optimizer.StrategyWithinRange, spec.Primary.Strategy)
	assert.Nil(t, spec.Primary.PreferredMean)
	require.Len(t, spec.Secondary, 2)
	assert.Equal(t, quality.AttrViscosity, spec.Secondary[0].Attribute)
	assert.True(t, spec.Secondary[0].Enabled)
	assert.Equal(t, 40.0, spec.Secondary[0].Min)
	assert.Equal(t, quality.AttrColor, spec.Secondary[1].Attribute)
	assert.Equal(t, "Light", spec.Secondary[1].Match)
}

func TestParseTarget_Rejects(t *testing.T) {
	f := NewTargetFactory()

	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"primary": `},
		{"unknown field", `{"primary": {"min": 1, "max": 2}, "tolerance": 3}`},
		{"min above max", `{"primary": {"min": 260, "max": 240}}`},
		{"unknown strategy", `{"primary": {"min": 1, "max": 2, "strategy": "nearest"}}`},
		{"numeric without bounds", `{"primary": {"min": 1, "max": 2}, "secondary": [{"attribute": "ph", "min": 5}]}`},
		{"unknown attribute", `{"primary": {"min": 1, "max": 2}, "secondary": [{"attribute": "taste", "match": "sweet"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseTarget(tt.json)
			assert.ErrorIs(t, err, quality.ErrInvalidSpecification)
		})
	}
}

func TestParseTarget_DisabledNeedsNoBounds(t *testing.T) {
	spec, err := NewTargetFactory().ParseTarget(
		`{"primary": {"min": 1, "max": 2}, "secondary": [{"attribute": "ph", "enabled": false}]}`)
	require.NoError(t, err)
	assert.False(t, spec.Secondary[0].Enabled)
}

func TestMarshalTarget_RoundTrip(t *testing.T) {
	f := NewTargetFactory()
	spec, err := f.ParseTarget(CapsuleGradeJSON())
	require.NoError(t, err)

	raw, err := f.MarshalTarget(spec)
	require.NoError(t, err)

	var back TargetJSON
	require.NoError(t, json.Unmarshal(raw, &back))
	again, err := f.FromJSON(back)
	require.NoError(t, err)
	assert.Equal(t, spec, again)
}

func TestPresets_AllParse(t *testing.T) {
	f := NewTargetFactory()
	list := ListPresets()
	require.Len(t, list, 3)
	assert.Equal(t, "capsule", list[0].Name)

	for _, p := range list {
		t.Run(p.Name, func(t *testing.T) {
			_, err := f.ParseTarget(p.JSON)
			assert.NoError(t, err)
		})
	}

	_, ok := GetPreset("technical")
	assert.True(t, ok)
	_, ok = GetPreset("missing")
	assert.False(t, ok)

	spec, err := f.ParseTarget(WithinRangeJSON(240, 260.5))
	require.NoError(t, err)
	assert.Equal(t, 260.5, spec.Primary.Max)
}
