package quality

// =============================================================================
// AVERAGES - Unit-weighted means over a set of batches
// =============================================================================

// Averages is the realized quality of a set of batches.
// Numeric holds unit-weighted means; Categorical holds the consensus label
// (the label carrying the most units, first seen wins ties).
type Averages struct {
	Numeric     map[Attribute]float64
	Categorical map[Attribute]string
}

// Mean returns the average of a numeric attribute, if any batch measured it.
func (a Averages) Mean(attr Attribute) (float64, bool) {
	v, ok := a.Numeric[attr]
	return v, ok
}

// Accumulator keeps running sums so the optimizer can evaluate "what if this
// batch were added" without recomputing the whole selection.
//
// Unmeasured attributes contribute neither to the sum nor to the weight.
type Accumulator struct {
	sum    map[Attribute]float64
	weight map[Attribute]float64
	labels map[Attribute]map[string]float64
	seen   map[Attribute][]string // first-seen order, for consensus ties
	units  int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		sum:    make(map[Attribute]float64),
		weight: make(map[Attribute]float64),
		labels: make(map[Attribute]map[string]float64),
		seen:   make(map[Attribute][]string),
	}
}

// Units returns the total units added.
func (acc *Accumulator) Units() int { return acc.units }

// Add includes b with the given unit allocation.
func (acc *Accumulator) Add(b Batch, units int) {
	acc.apply(b, float64(units))
	acc.units += units
}

// Remove undoes a previous Add with the same arguments.
func (acc *Accumulator) Remove(b Batch, units int) {
	acc.apply(b, -float64(units))
	acc.units -= units
}

func (acc *Accumulator) apply(b Batch, w float64) {
	for attr, v := range b.Numeric {
		acc.sum[attr] += v * w
		acc.weight[attr] += w
	}
	for _, attr := range CategoricalAttributes {
		label, ok := b.Label(attr)
		if !ok {
			continue
		}
		counts := acc.labels[attr]
		if counts == nil {
			counts = make(map[string]float64)
			acc.labels[attr] = counts
		}
		if _, known := counts[label]; !known {
			acc.seen[attr] = append(acc.seen[attr], label)
		}
		counts[label] += w
	}
}

// Mean returns the current weighted mean of attr.
func (acc *Accumulator) Mean(attr Attribute) (float64, bool) {
	w := acc.weight[attr]
	if w <= 0 {
		return 0, false
	}
	return acc.sum[attr] / w, true
}

// MeanWith returns the weighted mean of attr as if b were added with units.
// The accumulator is not modified.
func (acc *Accumulator) MeanWith(b Batch, units int, attr Attribute) (float64, bool) {
	sum, w := acc.sum[attr], acc.weight[attr]
	if v, ok := b.Value(attr); ok {
		sum += v * float64(units)
		w += float64(units)
	}
	if w <= 0 {
		return 0, false
	}
	return sum / w, true
}

// MeanSwap returns the weighted mean of attr with out replaced by in.
func (acc *Accumulator) MeanSwap(out, in Batch, units int, attr Attribute) (float64, bool) {
	sum, w := acc.sum[attr], acc.weight[attr]
	if v, ok := out.Value(attr); ok {
		sum -= v * float64(units)
		w -= float64(units)
	}
	if v, ok := in.Value(attr); ok {
		sum += v * float64(units)
		w += float64(units)
	}
	if w <= 0 {
		return 0, false
	}
	return sum / w, true
}

// Consensus returns the label carrying the most units for attr.
func (acc *Accumulator) Consensus(attr Attribute) (string, bool) {
	counts := acc.labels[attr]
	best, bestW := "", 0.0
	for _, label := range acc.seen[attr] {
		if w := counts[label]; w > bestW {
			best, bestW = label, w
		}
	}
	return best, bestW > 0
}

// Averages snapshots the current means and consensus labels.
func (acc *Accumulator) Averages() Averages {
	out := Averages{
		Numeric:     make(map[Attribute]float64),
		Categorical: make(map[Attribute]string),
	}
	for _, attr := range NumericAttributes {
		if m, ok := acc.Mean(attr); ok {
			out.Numeric[attr] = m
		}
	}
	for _, attr := range CategoricalAttributes {
		if c, ok := acc.Consensus(attr); ok {
			out.Categorical[attr] = c
		}
	}
	return out
}

