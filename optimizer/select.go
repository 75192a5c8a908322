/*
Package optimizer chooses which batches to blend.

PURPOSE:
  Given a snapshot of the batch pool and a target specification, pick a
  subset of batches, each contributing a fixed unit allocation, whose
  unit-weighted averages satisfy the target as closely as possible. Manual
  picks (forced include) and administrative exclusions (forced exclude) are
  honored, but a forced pick is never allowed to violate the active strategy.

PURITY:
  Select never mutates batch state and keeps no state between calls. It is
  safe to call concurrently. The only randomness (outside-range draws) comes
  from a per-call generator that tests can seed.

ALGORITHM:
  1. Filter:  drop excluded/held/consumed/unmeasured batches, apply strategy
  2. Seed:    add compatible forced picks; under unconstrained_average,
              drop the fewest forced picks needed to keep the mean reachable
  3. Fill:    greedy by composite score (within/unconstrained) or alternating
              random draws below/above the range (outside)
  4. Improve: bounded single-swap pass when the mean is out of range
  5. Report:  weighted averages, findings, notices

NOT OPTIMAL:
  The search space is combinatorial; this is a heuristic. "No feasible
  selection" is reported through notices, not errors.

SEE ALSO:
  - target.go: Target specification and validation
  - forced.go, greedy.go, swap.go, outside.go, report.go: the steps above
  - ledger/ledger.go: Commits a proposal
*/
package optimizer

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// OPTIONS
// =============================================================================

type Options struct {
	// UnitsPerBatch is the fixed allocation each selected batch contributes.
	UnitsPerBatch int

	// SwapWindow caps how many unselected candidates the improvement pass scans.
	SwapWindow int

	// MaxSwapTrials caps the total swap evaluations per call.
	MaxSwapTrials int

	// MaxForcedSearch is the largest forced-pick set the subset search will
	// reduce; larger sets are kept as given.
	MaxForcedSearch int

	// MaxSubsetEvaluations caps the combinations tried by the subset search.
	MaxSubsetEvaluations int

	// SecondaryWeight scales the secondary-target term of the greedy score.
	SecondaryWeight float64

	// NewRand builds the generator for outside-range draws. Nil uses the clock.
	NewRand func() *rand.Rand
}

func DefaultOptions() Options {
	return Options{
		UnitsPerBatch:        1,
		SwapWindow:           25,
		MaxSwapTrials:        500,
		MaxForcedSearch:      12,
		MaxSubsetEvaluations: 4096,
		SecondaryWeight:      0.5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.UnitsPerBatch <= 0 {
		o.UnitsPerBatch = d.UnitsPerBatch
	}
	if o.SwapWindow <= 0 {
		o.SwapWindow = d.SwapWindow
	}
	if o.MaxSwapTrials <= 0 {
		o.MaxSwapTrials = d.MaxSwapTrials
	}
	if o.MaxForcedSearch <= 0 {
		o.MaxForcedSearch = d.MaxForcedSearch
	}
	if o.MaxSubsetEvaluations <= 0 {
		o.MaxSubsetEvaluations = d.MaxSubsetEvaluations
	}
	if o.SecondaryWeight < 0 {
		o.SecondaryWeight = 0
	}
	return o
}

// =============================================================================
// OPTIMIZER
// =============================================================================

// Request carries the per-call inputs besides the pool and target.
type Request struct {
	ForcedInclude []quality.BatchKey
	ForcedExclude []quality.BatchKey
	DesiredUnits  int

	// Seed makes outside-range draws reproducible. Overrides Options.NewRand.
	Seed *uint64
}

type Optimizer struct {
	opts Options
}

func New(opts Options) *Optimizer {
	return &Optimizer{opts: opts.withDefaults()}
}

func (o *Optimizer) Options() Options { return o.opts }

// Select runs the optimizer with default options.
func Select(pool []quality.Batch, spec TargetSpec, req Request) (Proposal, error) {
	return New(DefaultOptions()).Select(pool, spec, req)
}

// Select builds a proposal from pool. The pool is read, never modified.
func (o *Optimizer) Select(pool []quality.Batch, spec TargetSpec, req Request) (Proposal, error) {
	if err := spec.Validate(); err != nil {
		return Proposal{}, err
	}
	if req.DesiredUnits <= 0 {
		return Proposal{}, &quality.SpecError{Field: "desired_units", Reason: "must be positive"}
	}

	r := newRun(o.opts, spec, req)
	r.filter(pool)
	r.seedForced()

	if len(r.selected) == 0 && len(r.candidates) == 0 {
		r.notify(NoticeEmptyPool, nil, "no batches satisfy the %s strategy for bloom [%.2f, %.2f]",
			spec.Primary.Strategy, spec.Primary.Min, spec.Primary.Max)
		return r.report(), nil
	}

	switch spec.Primary.Strategy {
	case StrategyOutsideRange:
		r.fillOutside(o.rand(req))
	default:
		r.fillGreedy()
		r.improve()
	}
	return r.report(), nil
}

func (o *Optimizer) rand(req Request) *rand.Rand {
	if req.Seed != nil {
		return rand.New(rand.NewPCG(*req.Seed, *req.Seed^0x9e3779b97f4a7c15))
	}
	if o.opts.NewRand != nil {
		return o.opts.NewRand()
	}
	seed := uint64(time.Now().UnixNano())
	return rand.New(rand.NewPCG(seed, seed>>1))
}

// RoundUnits snaps desired to the nearest positive multiple of perBatch.
func RoundUnits(desired, perBatch int) int {
	if perBatch <= 0 {
		perBatch = 1
	}
	n := int(math.Round(float64(desired) / float64(perBatch)))
	if n < 1 {
		n = 1
	}
	return n * perBatch
}

// =============================================================================
// RUN - Mutable working state of one Select call
// =============================================================================

type run struct {
	opts   Options
	spec   TargetSpec
	req    Request
	target float64 // Primary mean the fill steers toward
	units  int     // Requested units after rounding
	need   int     // Batches needed

	eligible   []quality.Batch // Available, measured, not excluded (pre-strategy)
	candidates []quality.Batch // Eligible and admitted by the strategy, not selected
	selected   []quality.Batch
	forced     quality.KeySet // Forced picks that made it into selected
	acc        *quality.Accumulator
	notices    []Notice
}

func newRun(opts Options, spec TargetSpec, req Request) *run {
	units := RoundUnits(req.DesiredUnits, opts.UnitsPerBatch)
	r := &run{
		opts:   opts,
		spec:   spec,
		req:    req,
		target: spec.Primary.Mean(),
		units:  units,
		need:   units / opts.UnitsPerBatch,
		forced: quality.NewKeySet(),
		acc:    quality.NewAccumulator(),
	}
	if units != req.DesiredUnits {
		r.notify(NoticeUnitsRounded, nil, "desired units %d rounded to %d (allocation unit is %d)",
			req.DesiredUnits, units, opts.UnitsPerBatch)
	}
	return r
}

// filter is step 1: build the eligible pool and the strategy-filtered
// candidate list, both in key order.
func (r *run) filter(pool []quality.Batch) {
	sorted := make([]quality.Batch, len(pool))
	copy(sorted, pool)
	quality.SortBatches(sorted)

	exclude := quality.NewKeySet(r.req.ForcedExclude...)
	var held, excluded, unmeasured []quality.BatchKey
	for _, b := range sorted {
		switch {
		case exclude.Has(b.Key):
			excluded = append(excluded, b.Key)
		case b.State == quality.StateHeld:
			held = append(held, b.Key)
		case b.State != quality.StateAvailable:
			// consumed batches in a snapshot are silently skipped
		default:
			if _, ok := b.Primary(); !ok {
				unmeasured = append(unmeasured, b.Key)
				continue
			}
			r.eligible = append(r.eligible, b)
		}
	}

	for _, b := range r.eligible {
		v, _ := b.Primary()
		if r.spec.Primary.Admits(v) {
			r.candidates = append(r.candidates, b)
		}
	}

	if len(held) > 0 {
		r.notify(NoticeHeldExcluded, held, "%d held batch(es) excluded from the pool: %s", len(held), joinKeys(held))
	}
	if len(excluded) > 0 {
		r.notify(NoticeAdminExcluded, excluded, "%d batch(es) excluded by request: %s", len(excluded), joinKeys(excluded))
	}
	if len(unmeasured) > 0 {
		r.notify(NoticeMissingPrimary, unmeasured, "%d batch(es) without a bloom measurement skipped: %s",
			len(unmeasured), joinKeys(unmeasured))
	}
}

func (r *run) add(b quality.Batch) {
	r.selected = append(r.selected, b)
	r.acc.Add(b, r.opts.UnitsPerBatch)
}

// removeCandidate drops key from the candidate list, keeping order.
func (r *run) removeCandidate(key quality.BatchKey) {
	for i, c := range r.candidates {
		if c.Key == key {
			r.candidates = append(r.candidates[:i], r.candidates[i+1:]...)
			return
		}
	}
}

func (r *run) primaryMean() (float64, bool) {
	return r.acc.Mean(quality.AttrBloom)
}
