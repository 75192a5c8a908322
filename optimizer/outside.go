package optimizer

import (
	"math/rand/v2"

	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// OUTSIDE-RANGE FILL - Step 3 for outside_range
// =============================================================================

// fillOutside builds a balanced mix of batches below Min and above Max by
// alternating random draws from each side, falling back to whichever side
// still has supply. It does not steer toward a mean: every candidate is
// off-range by construction.
func (r *run) fillOutside(rng *rand.Rand) {
	p := r.spec.Primary
	var below, above []quality.Batch
	for _, c := range r.candidates {
		if primaryOf(c) < p.Min {
			below = append(below, c)
		} else {
			above = append(above, c)
		}
	}

	// Start on the side the forced picks left short.
	var nBelow, nAbove int
	for _, b := range r.selected {
		if primaryOf(b) < p.Min {
			nBelow++
		} else {
			nAbove++
		}
	}
	takeBelow := nBelow <= nAbove

	for len(r.selected) < r.need && len(below)+len(above) > 0 {
		var b quality.Batch
		switch {
		case takeBelow && len(below) > 0, len(above) == 0:
			b, below = draw(rng, below)
		default:
			b, above = draw(rng, above)
		}
		r.removeCandidate(b.Key)
		r.add(b)
		takeBelow = !takeBelow
	}
}

// draw removes and returns a uniformly random element, keeping order.
func draw(rng *rand.Rand, group []quality.Batch) (quality.Batch, []quality.Batch) {
	i := rng.IntN(len(group))
	b := group[i]
	return b, append(group[:i], group[i+1:]...)
}
