package optimizer

import (
	"math"
	"sort"

	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// FORCED PICKS - Step 2 of Select
// =============================================================================

// seedForced adds the caller's manual picks to the selection. A pick that
// fails the strategy predicate is reported and left out; the optimizer never
// bends the strategy to honor a manual pick.
func (r *run) seedForced() {
	if len(r.req.ForcedInclude) == 0 {
		return
	}

	exclude := quality.NewKeySet(r.req.ForcedExclude...)
	eligible := make(map[quality.BatchKey]quality.Batch, len(r.eligible))
	for _, b := range r.eligible {
		eligible[b.Key] = b
	}

	seen := quality.NewKeySet()
	var compatible []quality.Batch
	var conflict, unknown []quality.BatchKey
	for _, k := range r.req.ForcedInclude {
		if seen.Has(k) {
			continue
		}
		seen[k] = struct{}{}

		if exclude.Has(k) {
			conflict = append(conflict, k)
			continue
		}
		b, ok := eligible[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		v, _ := b.Primary()
		if !r.spec.Primary.Admits(v) {
			r.notify(NoticeForcedIncompat, []quality.BatchKey{k},
				"forced batch %s (bloom %.2f) is incompatible with %s [%.2f, %.2f]; not added",
				k, v, r.spec.Primary.Strategy, r.spec.Primary.Min, r.spec.Primary.Max)
			continue
		}
		compatible = append(compatible, b)
	}

	if len(conflict) > 0 {
		r.notify(NoticeForcedConflict, conflict, "batch(es) both forced and excluded, exclusion wins: %s", joinKeys(conflict))
	}
	if len(unknown) > 0 {
		r.notify(NoticeForcedUnknown, unknown, "forced batch(es) not available for blending: %s", joinKeys(unknown))
	}

	if len(compatible) > r.need {
		overflow := keysOf(compatible[r.need:])
		compatible = compatible[:r.need]
		for _, k := range overflow {
			r.removeCandidate(k)
		}
		r.notify(NoticeForcedOverflow, overflow, "%d forced batch(es) exceed the requested %d unit(s) and were dropped: %s",
			len(overflow), r.units, joinKeys(overflow))
	}

	if r.spec.Primary.Strategy == StrategyUnconstrainedAverage {
		compatible = r.reduceForced(compatible)
	}

	for _, b := range compatible {
		r.add(b)
		r.forced[b.Key] = struct{}{}
		r.removeCandidate(b.Key)
	}
}

// reduceForced keeps the weighted mean reachable under unconstrained_average.
// If the forced picks plus the best remaining batches cannot bring the mean
// into [Min, Max], it searches subsets with the fewest removals first and
// keeps the one whose reachable mean lies closest to the target. The search
// is bounded by MaxForcedSearch picks and MaxSubsetEvaluations combinations.
func (r *run) reduceForced(forced []quality.Batch) []quality.Batch {
	if len(forced) == 0 {
		return forced
	}

	forcedKeys := quality.NewKeySet(keysOf(forced)...)
	var rest []float64
	for _, c := range r.candidates {
		if forcedKeys.Has(c.Key) {
			continue
		}
		v, _ := c.Primary()
		rest = append(rest, v)
	}
	sort.Float64s(rest)
	reach := reachability{rest: rest, need: r.need, primary: r.spec.Primary}

	values := make([]float64, len(forced))
	for i, b := range forced {
		values[i], _ = b.Primary()
	}
	if _, ok := reach.distance(values); ok {
		return forced
	}

	p := r.spec.Primary
	if len(forced) > r.opts.MaxForcedSearch {
		r.notify(NoticeTargetUnreachable, keysOf(forced),
			"forced picks keep the bloom mean outside [%.2f, %.2f]; subset search skipped for %d picks (limit %d)",
			p.Min, p.Max, len(forced), r.opts.MaxForcedSearch)
		return forced
	}

	evals := 0
	for size := len(forced) - 1; size >= 0; size-- {
		var best []int
		found := false
		bestDist := math.Inf(1)
		capped := !combinations(len(forced), size, func(idx []int) bool {
			evals++
			if evals > r.opts.MaxSubsetEvaluations {
				return false
			}
			subset := make([]float64, len(idx))
			for i, j := range idx {
				subset[i] = values[j]
			}
			if d, ok := reach.distance(subset); ok && d < bestDist {
				best = append(best[:0], idx...)
				bestDist = d
				found = true
			}
			return true
		})

		if found {
			keep := quality.NewKeySet()
			var kept []quality.Batch
			for _, j := range best {
				kept = append(kept, forced[j])
				keep[forced[j].Key] = struct{}{}
			}
			var dropped []quality.BatchKey
			for _, b := range forced {
				if !keep.Has(b.Key) {
					dropped = append(dropped, b.Key)
					r.removeCandidate(b.Key)
				}
			}
			r.notify(NoticeForcedReduced, dropped,
				"forced batch(es) %s excluded: with them the bloom mean cannot reach [%.2f, %.2f]",
				joinKeys(dropped), p.Min, p.Max)
			return kept
		}
		if capped {
			break
		}
	}

	r.notify(NoticeTargetUnreachable, keysOf(forced),
		"bloom range [%.2f, %.2f] is unreachable with this pool; forced picks kept", p.Min, p.Max)
	return forced
}

// reachability answers "can a selection seeded with these values still land
// its mean in range, given the remaining pool?". It brackets the achievable
// mean by filling with the lowest and the highest remaining values.
type reachability struct {
	rest    []float64 // Sorted ascending
	need    int
	primary PrimaryTarget
}

// distance returns how far the target mean lies from the achievable bracket,
// and whether the bracket overlaps [Min, Max].
func (rc reachability) distance(seed []float64) (float64, bool) {
	k := rc.need - len(seed)
	if k < 0 {
		k = 0
	}
	if k > len(rc.rest) {
		k = len(rc.rest)
	}
	n := len(seed) + k
	if n == 0 {
		return 0, false
	}

	var base float64
	for _, v := range seed {
		base += v
	}
	lo, hi := base, base
	for i := 0; i < k; i++ {
		lo += rc.rest[i]
		hi += rc.rest[len(rc.rest)-1-i]
	}
	lo /= float64(n)
	hi /= float64(n)

	if lo > rc.primary.Max || hi < rc.primary.Min {
		return 0, false
	}
	t := rc.primary.Mean()
	switch {
	case t < lo:
		return lo - t, true
	case t > hi:
		return t - hi, true
	default:
		return 0, true
	}
}

// combinations calls fn with every size-k index subset of [0, n) in
// lexicographic order. It returns false if fn stopped the enumeration.
func combinations(n, k int, fn func([]int) bool) bool {
	if k < 0 || k > n {
		return true
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		if !fn(idx) {
			return false
		}
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return true
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}
