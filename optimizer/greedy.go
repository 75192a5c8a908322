package optimizer

import (
	"math"

	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// GREEDY FILL - Step 3 for within_range and unconstrained_average
// =============================================================================

const (
	// outOfRangePenalty dwarfs any primary distance, so under within_range a
	// candidate that would push the mean out of range is picked last.
	outOfRangePenalty = 1e6

	// categoricalPenalty is charged when a candidate's label disagrees with
	// the running consensus (or the declared match before one exists).
	categoricalPenalty = 1.0

	// ladderBase separates secondary priorities: target i weighs ladderBase^-i.
	ladderBase = 10.0
)

// fillGreedy adds, one at a time, the candidate with the lowest composite
// score until the requested batch count is reached or candidates run out.
// Ties go to the lowest batch key.
func (r *run) fillGreedy() {
	secondary := r.spec.enabled()
	for len(r.selected) < r.need && len(r.candidates) > 0 {
		best := -1
		bestScore := math.Inf(1)
		for i, c := range r.candidates {
			s := r.score(c, secondary)
			if s < bestScore || (s == bestScore && c.Key.Less(r.candidates[best].Key)) {
				best, bestScore = i, s
			}
		}
		b := r.candidates[best]
		r.candidates = append(r.candidates[:best], r.candidates[best+1:]...)
		r.add(b)
	}
}

// score is the composite cost of adding c to the current selection.
func (r *run) score(c quality.Batch, secondary []SecondaryTarget) float64 {
	p := r.spec.Primary
	m, _ := r.acc.MeanWith(c, r.opts.UnitsPerBatch, quality.AttrBloom)

	s := math.Abs(m - r.target)
	if p.Strategy == StrategyWithinRange && !p.InRange(m) {
		s += outOfRangePenalty
	}
	if len(secondary) > 0 && r.opts.SecondaryWeight > 0 {
		s += r.opts.SecondaryWeight * r.secondaryTerm(c, secondary)
	}
	return s
}

// secondaryTerm sums, over enabled secondary targets, the normalized distance
// of the attribute's average (with c included) from its range, weighted so
// earlier targets dominate.
func (r *run) secondaryTerm(c quality.Batch, secondary []SecondaryTarget) float64 {
	var total float64
	weight := 1.0
	for _, t := range secondary {
		total += weight * r.secondaryDistance(c, t)
		weight /= ladderBase
	}
	return total
}

func (r *run) secondaryDistance(c quality.Batch, t SecondaryTarget) float64 {
	if t.Attribute.IsCategorical() {
		label, ok := c.Label(t.Attribute)
		if !ok {
			return 0
		}
		ref, ok := r.acc.Consensus(t.Attribute)
		if !ok {
			ref = quality.NormalizeLabel(t.Match)
		}
		if label != ref {
			return categoricalPenalty
		}
		return 0
	}

	m, ok := r.acc.MeanWith(c, r.opts.UnitsPerBatch, t.Attribute)
	if !ok {
		return 0
	}
	return t.distance(m)
}
