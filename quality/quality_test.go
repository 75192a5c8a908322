package quality_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/blend-engine/quality"
)

func internal(n int) quality.BatchKey {
	return quality.BatchKey{Provenance: quality.ProvenanceInternal, Number: n}
}

func external(n int) quality.BatchKey {
	return quality.BatchKey{Provenance: quality.ProvenanceExternal, Number: n}
}

// =============================================================================
// BATCH KEYS
// =============================================================================

func TestParseBatchKey(t *testing.T) {
	k, err := quality.ParseBatchKey(" External:17 ")
	require.NoError(t, err)
	assert.Equal(t, external(17), k)
	assert.Equal(t, "external:17", k.String())

	for _, bad := range []string{"17", "internal:", "internal:x", "internal:0", "supplier:3"} {
		_, err := quality.ParseBatchKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestSortBatches_NumberThenProvenance(t *testing.T) {
	batches := []quality.Batch{{Key: external(2)}, {Key: internal(3)}, {Key: internal(2)}, {Key: external(1)}}
	quality.SortBatches(batches)

	keys := make([]quality.BatchKey, len(batches))
	for i, b := range batches {
		keys[i] = b.Key
	}
	assert.Equal(t, []quality.BatchKey{external(1), internal(2), external(2), internal(3)}, keys)
}

// =============================================================================
// BATCH LIFECYCLE
// =============================================================================

func TestBatch_ConsumeAndRelease(t *testing.T) {
	b := quality.Batch{Key: internal(1), State: quality.StateAvailable}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	b.Consume("LOT-1", at)
	assert.Equal(t, quality.StateConsumed, b.State)
	assert.Equal(t, "LOT-1", b.ConsumedBy)
	require.NotNil(t, b.ConsumedAt)
	assert.Equal(t, at, *b.ConsumedAt)
	assert.False(t, b.IsAvailable())

	b.Release()
	assert.True(t, b.IsAvailable())
	assert.Empty(t, b.ConsumedBy)
	assert.Nil(t, b.ConsumedAt)
}

func TestBatch_CloneIsDeep(t *testing.T) {
	b := quality.Batch{
		Key:         internal(1),
		Numeric:     map[quality.Attribute]float64{quality.AttrBloom: 250},
		Categorical: map[quality.Attribute]string{quality.AttrColor: "light"},
	}
	c := b.Clone()
	c.Numeric[quality.AttrBloom] = 100
	c.Categorical[quality.AttrColor] = "dark"

	assert.Equal(t, 250.0, b.Numeric[quality.AttrBloom])
	assert.Equal(t, "light", b.Categorical[quality.AttrColor])
}

func TestBatch_LabelNormalized(t *testing.T) {
	b := quality.Batch{Categorical: map[quality.Attribute]string{
		quality.AttrOdor:  "  Neutral ",
		quality.AttrColor: "   ",
	}}

	v, ok := b.Label(quality.AttrOdor)
	assert.True(t, ok)
	assert.Equal(t, "neutral", v)

	_, ok = b.Label(quality.AttrColor)
	assert.False(t, ok, "blank label counts as unmeasured")
}

// =============================================================================
// AVERAGES
// =============================================================================

func TestAccumulator_SkipsUnmeasured(t *testing.T) {
	acc := quality.NewAccumulator()
	acc.Add(quality.Batch{Key: internal(1), Numeric: map[quality.Attribute]float64{quality.AttrBloom: 240, quality.AttrViscosity: 40}}, 1)
	acc.Add(quality.Batch{Key: internal(2), Numeric: map[quality.Attribute]float64{quality.AttrBloom: 260}}, 1)

	avg := acc.Averages()

	bloom, ok := avg.Mean(quality.AttrBloom)
	require.True(t, ok)
	assert.Equal(t, 250.0, bloom)

	visc, ok := avg.Mean(quality.AttrViscosity)
	require.True(t, ok)
	assert.Equal(t, 40.0, visc)

	_, ok = avg.Mean(quality.AttrPH)
	assert.False(t, ok)
}

func TestAccumulator_WhatIfLeavesStateUntouched(t *testing.T) {
	a := quality.Batch{Key: internal(1), Numeric: map[quality.Attribute]float64{quality.AttrBloom: 200}}
	b := quality.Batch{Key: internal(2), Numeric: map[quality.Attribute]float64{quality.AttrBloom: 300}}
	c := quality.Batch{Key: internal(3), Numeric: map[quality.Attribute]float64{quality.AttrBloom: 260}}

	acc := quality.NewAccumulator()
	acc.Add(a, 2)
	acc.Add(b, 2)

	with, _ := acc.MeanWith(c, 2, quality.AttrBloom)
	assert.InDelta(t, 253.333, with, 0.001)

	swapped, _ := acc.MeanSwap(a, c, 2, quality.AttrBloom)
	assert.Equal(t, 280.0, swapped)

	mean, _ := acc.Mean(quality.AttrBloom)
	assert.Equal(t, 250.0, mean)
	assert.Equal(t, 4, acc.Units())

	acc.Remove(a, 2)
	mean, _ = acc.Mean(quality.AttrBloom)
	assert.Equal(t, 300.0, mean)
	assert.Equal(t, 2, acc.Units())
}

func TestAccumulator_Consensus(t *testing.T) {
	label := func(n int, color string) quality.Batch {
		return quality.Batch{Key: internal(n), Categorical: map[quality.Attribute]string{quality.AttrColor: color}}
	}

	acc := quality.NewAccumulator()
	_, ok := acc.Consensus(quality.AttrColor)
	assert.False(t, ok)

	acc.Add(label(1, "Dark"), 1)
	acc.Add(label(2, "light"), 1)
	c, _ := acc.Consensus(quality.AttrColor)
	assert.Equal(t, "dark", c, "first seen wins ties")

	acc.Add(label(3, "LIGHT "), 1)
	c, _ = acc.Consensus(quality.AttrColor)
	assert.Equal(t, "light", c)
}

// =============================================================================
// FISCAL PERIODS
// =============================================================================

func TestFiscalYear_CalendarDefault(t *testing.T) {
	var fy quality.FiscalYearConfig

	p := fy.PeriodFor(2026)
	assert.Equal(t, "[2026-01-01, 2026-12-31]", p.String())
	assert.Equal(t, 2026, fy.YearOf(time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)))
}

func TestFiscalYear_AprilStart(t *testing.T) {
	fy := quality.FiscalYearConfig{StartMonth: time.April}
	require.NoError(t, fy.Validate())

	assert.Equal(t, 2025, fy.YearOf(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2026, fy.YearOf(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))

	p := fy.PeriodFor(2025)
	assert.True(t, p.Contains(time.Date(2026, 3, 31, 18, 30, 0, 0, time.UTC)))
	assert.False(t, p.Contains(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, p.Contains(time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)))
}

func TestFiscalYear_InvalidMonth(t *testing.T) {
	assert.Error(t, quality.FiscalYearConfig{StartMonth: 13}.Validate())
	assert.Error(t, quality.FiscalYearConfig{StartMonth: 0}.Validate())
}

// =============================================================================
// FILTERS AND ERRORS
// =============================================================================

func TestBlendFilter_Matches(t *testing.T) {
	created := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	b := quality.Blend{LotID: "LOT-2026-001", Status: quality.BlendCompleted, CreatedAt: created}

	before := created.Add(-time.Hour)
	after := created.Add(time.Hour)

	assert.True(t, quality.BlendFilter{}.Matches(b))
	assert.True(t, quality.BlendFilter{LotPrefix: "LOT-2026", CreatedFrom: &before, CreatedTo: &after}.Matches(b))
	assert.False(t, quality.BlendFilter{Status: quality.BlendDraft}.Matches(b))
	assert.False(t, quality.BlendFilter{LotPrefix: "LOT-2025"}.Matches(b))
	assert.False(t, quality.BlendFilter{CreatedFrom: &after}.Matches(b))
	assert.False(t, quality.BlendFilter{CreatedTo: &before}.Matches(b))
}

func TestErrorClassification(t *testing.T) {
	unavailable := &quality.BatchUnavailableError{
		Batches: []quality.BatchKey{internal(1), external(2)},
		States:  []quality.UsageState{quality.StateConsumed},
	}
	assert.Equal(t, "batch unavailable: internal:1 (consumed), external:2 (missing)", unavailable.Error())
	assert.True(t, errors.Is(unavailable, quality.ErrBatchUnavailable))
	assert.True(t, quality.IsConflict(unavailable))

	expired := &quality.ExpiredWindowError{BlendID: "b1", Elapsed: 49 * time.Hour, Window: 48 * time.Hour}
	assert.True(t, quality.IsConflict(expired))
	assert.Contains(t, expired.Error(), "49h0m0s elapsed")

	spec := &quality.SpecError{Field: "primary", Reason: "min > max"}
	assert.True(t, quality.IsClientError(spec))
	assert.False(t, quality.IsConflict(spec))

	assert.True(t, quality.IsNotFound(quality.ErrBlendNotFound))
	assert.False(t, quality.IsNotFound(quality.ErrDuplicateLotID))
}
