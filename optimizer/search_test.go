package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/blend-engine/quality"
)

func testBatch(n int, bloom float64) quality.Batch {
	return quality.Batch{
		Key:     quality.BatchKey{Provenance: quality.ProvenanceInternal, Number: n},
		Numeric: map[quality.Attribute]float64{quality.AttrBloom: bloom},
		State:   quality.StateAvailable,
	}
}

func unconstrained(min, max float64) TargetSpec {
	return TargetSpec{Primary: PrimaryTarget{Min: min, Max: max, Strategy: StrategyUnconstrainedAverage}}
}

// =============================================================================
// SWAP PASS
// =============================================================================

func TestImprove_SwapsMeanIntoRange(t *testing.T) {
	// GIVEN: A selection averaging 205 with a target of [245,255]
	r := newRun(DefaultOptions(), unconstrained(245, 255), Request{DesiredUnits: 2})
	r.add(testBatch(1, 200))
	r.add(testBatch(2, 210))
	r.candidates = []quality.Batch{testBatch(3, 290), testBatch(4, 300)}

	// WHEN: The improvement pass runs
	r.improve()

	// THEN: One swap lands the mean in range
	m, ok := r.primaryMean()
	require.True(t, ok)
	assert.InDelta(t, 250.0, m, 1e-9)
	assert.ElementsMatch(t, []quality.BatchKey{testBatch(3, 0).Key, testBatch(2, 0).Key}, keysOf(r.selected))
	assert.Equal(t, []quality.BatchKey{testBatch(1, 0).Key, testBatch(4, 0).Key}, keysOf(r.candidates))
}

func TestImprove_NeverSwapsForcedPicks(t *testing.T) {
	r := newRun(DefaultOptions(), unconstrained(245, 255), Request{DesiredUnits: 2})
	r.add(testBatch(1, 200))
	r.forced[testBatch(1, 0).Key] = struct{}{}
	r.add(testBatch(2, 210))
	r.candidates = []quality.Batch{testBatch(3, 290), testBatch(4, 300)}

	r.improve()

	assert.Contains(t, keysOf(r.selected), testBatch(1, 0).Key)
	assert.NotContains(t, keysOf(r.selected), testBatch(2, 0).Key)
	m, _ := r.primaryMean()
	assert.InDelta(t, 245.0, m, 1e-9)
}

func TestImprove_InRange_NoOp(t *testing.T) {
	r := newRun(DefaultOptions(), unconstrained(245, 255), Request{DesiredUnits: 1})
	r.add(testBatch(1, 250))
	r.candidates = []quality.Batch{testBatch(2, 251)}

	r.improve()

	assert.Equal(t, []quality.BatchKey{testBatch(1, 0).Key}, keysOf(r.selected))
}

func TestSwapWindow_CappedAndOrderedByDistance(t *testing.T) {
	opts := DefaultOptions()
	opts.SwapWindow = 2
	r := newRun(opts, unconstrained(245, 255), Request{DesiredUnits: 1})
	r.candidates = []quality.Batch{testBatch(1, 200), testBatch(2, 260), testBatch(3, 240), testBatch(4, 251)}

	window := r.swapWindow()

	assert.Equal(t, []quality.BatchKey{testBatch(4, 0).Key, testBatch(2, 0).Key}, keysOf(window))
	assert.Len(t, r.candidates, 4, "window is a copy")
}

// =============================================================================
// FORCED SUBSET SEARCH
// =============================================================================

func TestCombinations_Lexicographic(t *testing.T) {
	var got [][]int
	done := combinations(4, 2, func(idx []int) bool {
		got = append(got, append([]int(nil), idx...))
		return true
	})

	assert.True(t, done)
	assert.Equal(t, [][]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}, got)
}

func TestCombinations_EmptySubsetVisitedOnce(t *testing.T) {
	calls := 0
	combinations(3, 0, func(idx []int) bool {
		calls++
		assert.Empty(t, idx)
		return true
	})
	assert.Equal(t, 1, calls)
}

func TestCombinations_Stop(t *testing.T) {
	calls := 0
	done := combinations(10, 3, func([]int) bool {
		calls++
		return calls < 5
	})
	assert.False(t, done)
	assert.Equal(t, 5, calls)
}

func TestReachability_Bracket(t *testing.T) {
	rc := reachability{
		rest:    []float64{200, 240, 260, 300},
		need:    3,
		primary: PrimaryTarget{Min: 245, Max: 255, Strategy: StrategyUnconstrainedAverage},
	}

	// Seed 400: best case (400+200+240)/3 = 280, above the range
	_, ok := rc.distance([]float64{400})
	assert.False(t, ok)

	// Seed 250: bracket [230, 270] contains the target
	d, ok := rc.distance([]float64{250})
	assert.True(t, ok)
	assert.Zero(t, d)

	// Full seed, nothing left to fill
	d, ok = rc.distance([]float64{250, 250, 262})
	assert.True(t, ok)
	assert.InDelta(t, 4.0, d, 1e-9)
}

func TestReduceForced_SearchLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxForcedSearch = 1
	r := newRun(opts, unconstrained(240, 260), Request{DesiredUnits: 2})
	forced := []quality.Batch{testBatch(1, 400), testBatch(2, 410)}

	kept := r.reduceForced(forced)

	assert.Len(t, kept, 2)
	require.Len(t, r.notices, 1)
	assert.Equal(t, NoticeTargetUnreachable, r.notices[0].Code)
	assert.Contains(t, r.notices[0].Message, "subset search skipped")
}
