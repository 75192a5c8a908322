package optimizer

import (
	"math"
	"sort"

	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// LOCAL IMPROVEMENT - Step 4 for within_range and unconstrained_average
// =============================================================================

// improve runs a bounded single-swap pass when the realized bloom mean is
// outside [Min, Max]. Forced picks are never swapped out. The first strictly
// improving swap found is applied and the scan restarts; the pass stops once
// the mean is back in range, no swap improves, or MaxSwapTrials is spent.
func (r *run) improve() {
	p := r.spec.Primary
	cur, ok := r.primaryMean()
	if !ok || p.InRange(cur) || len(r.candidates) == 0 {
		return
	}

	window := r.swapWindow()
	units := r.opts.UnitsPerBatch
	trials := 0

	for improved := true; improved; {
		improved = false
	scan:
		for i, out := range r.selected {
			if r.forced.Has(out.Key) {
				continue
			}
			for j, in := range window {
				if trials >= r.opts.MaxSwapTrials {
					return
				}
				trials++

				next, _ := r.acc.MeanSwap(out, in, units, quality.AttrBloom)
				if math.Abs(next-r.target) < math.Abs(cur-r.target) || (!p.InRange(cur) && p.InRange(next)) {
					r.acc.Remove(out, units)
					r.acc.Add(in, units)
					r.selected[i] = in
					window[j] = out
					r.removeCandidate(in.Key)
					r.candidates = append(r.candidates, out)
					cur = next
					if p.InRange(cur) {
						quality.SortBatches(r.candidates)
						return
					}
					improved = true
					break scan
				}
			}
		}
	}
	quality.SortBatches(r.candidates)
}

// swapWindow returns the candidates closest to the target mean, capped at
// SwapWindow entries.
func (r *run) swapWindow() []quality.Batch {
	window := make([]quality.Batch, len(r.candidates))
	copy(window, r.candidates)
	sort.SliceStable(window, func(i, j int) bool {
		di := math.Abs(primaryOf(window[i]) - r.target)
		dj := math.Abs(primaryOf(window[j]) - r.target)
		if di != dj {
			return di < dj
		}
		return window[i].Key.Less(window[j].Key)
	})
	if len(window) > r.opts.SwapWindow {
		window = window[:r.opts.SwapWindow]
	}
	return window
}

func primaryOf(b quality.Batch) float64 {
	v, _ := b.Primary()
	return v
}
