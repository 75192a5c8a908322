package optimizer

import (
	"fmt"
	"strings"

	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// REPORT - Step 5: aggregate and describe the selection
// =============================================================================

func (r *run) report() Proposal {
	p := r.spec.Primary
	prop := Proposal{
		Strategy:       p.Strategy,
		Averages:       r.acc.Averages(),
		RequestedUnits: r.units,
		AllocatedUnits: r.acc.Units(),
	}
	for _, b := range r.selected {
		prop.Allocations = append(prop.Allocations, Allocation{
			Batch:  b,
			Units:  r.opts.UnitsPerBatch,
			Forced: r.forced.Has(b.Key),
		})
	}

	primary := r.primaryFinding()
	prop.Satisfied = primary.Satisfied
	prop.Findings = append(prop.Findings, primary)
	for _, t := range r.spec.enabled() {
		prop.Findings = append(prop.Findings, r.secondaryFinding(t, prop.Averages))
	}

	if len(r.selected) > 0 && len(r.selected) < r.need {
		r.notify(NoticeShortfall, nil, "no feasible selection of size %d %s; offering %d unit(s) from %d batch(es) as partial best",
			r.units, p.Strategy.phrase(), prop.AllocatedUnits, len(r.selected))
	}
	prop.Notices = r.notices
	return prop
}

func (r *run) primaryFinding() Finding {
	p := r.spec.Primary
	f := Finding{Attribute: quality.AttrBloom}
	m, ok := r.primaryMean()
	if !ok {
		f.Message = fmt.Sprintf("bloom: no batches selected for target [%.2f, %.2f]", p.Min, p.Max)
		return f
	}

	if p.Strategy == StrategyOutsideRange {
		var inside []quality.BatchKey
		for _, b := range r.selected {
			if p.InRange(primaryOf(b)) {
				inside = append(inside, b.Key)
			}
		}
		f.Satisfied = len(inside) == 0
		if f.Satisfied {
			f.Message = fmt.Sprintf("bloom: all %d batch(es) outside [%.2f, %.2f], average %.2f",
				len(r.selected), p.Min, p.Max, m)
		} else {
			f.Message = fmt.Sprintf("bloom: batch(es) %s fall inside [%.2f, %.2f]", joinKeys(inside), p.Min, p.Max)
		}
		return f
	}

	f.Satisfied = p.InRange(m)
	if f.Satisfied {
		f.Message = fmt.Sprintf("bloom: average %.2f within target [%.2f, %.2f] (aim %.2f)", m, p.Min, p.Max, r.target)
	} else {
		f.Message = fmt.Sprintf("bloom: average %.2f outside target [%.2f, %.2f] (aim %.2f)", m, p.Min, p.Max, r.target)
	}
	return f
}

func (r *run) secondaryFinding(t SecondaryTarget, avg quality.Averages) Finding {
	f := Finding{Attribute: t.Attribute}
	if t.Attribute.IsCategorical() {
		want := quality.NormalizeLabel(t.Match)
		got, ok := avg.Categorical[t.Attribute]
		switch {
		case !ok:
			f.Message = fmt.Sprintf("%s: no measurements, wanted %q", t.Attribute, want)
		case got == want:
			f.Satisfied = true
			f.Message = fmt.Sprintf("%s: %q matches target", t.Attribute, got)
		default:
			f.Message = fmt.Sprintf("%s: %q does not match target %q", t.Attribute, got, want)
		}
		return f
	}

	m, ok := avg.Mean(t.Attribute)
	switch {
	case !ok:
		f.Message = fmt.Sprintf("%s: no measurements for target [%.2f, %.2f]", t.Attribute, t.Min, t.Max)
	case m >= t.Min && m <= t.Max:
		f.Satisfied = true
		f.Message = fmt.Sprintf("%s: average %.2f within [%.2f, %.2f]", t.Attribute, m, t.Min, t.Max)
	default:
		f.Message = fmt.Sprintf("%s: average %.2f outside [%.2f, %.2f]", t.Attribute, m, t.Min, t.Max)
	}
	return f
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *run) notify(code NoticeCode, keys []quality.BatchKey, format string, args ...any) {
	r.notices = append(r.notices, Notice{Code: code, Batches: keys, Message: fmt.Sprintf(format, args...)})
}

func joinKeys(keys []quality.BatchKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ", ")
}

func keysOf(batches []quality.Batch) []quality.BatchKey {
	keys := make([]quality.BatchKey, len(batches))
	for i, b := range batches {
		keys[i] = b.Key
	}
	return keys
}
