package optimizer

import "github.com/warp/blend-engine/quality"

// =============================================================================
// PROPOSAL - Optimizer output, reviewed by the caller before commit
// =============================================================================

// Allocation is one selected batch and the units it contributes.
type Allocation struct {
	Batch  quality.Batch
	Units  int
	Forced bool // Selected because the caller required it
}

// Finding is a satisfied/violated line for one target.
type Finding struct {
	Attribute quality.Attribute
	Satisfied bool
	Message   string
}

type NoticeCode string

const (
	NoticeEmptyPool         NoticeCode = "empty_pool"          // No batch passes the strategy filter
	NoticeShortfall         NoticeCode = "shortfall"           // Fewer units than requested
	NoticeUnitsRounded      NoticeCode = "units_rounded"       // Desired units snapped to the allocation unit
	NoticeHeldExcluded      NoticeCode = "held_excluded"       // Held batches left out of the pool
	NoticeAdminExcluded     NoticeCode = "admin_excluded"      // Forced-exclude batches left out of the pool
	NoticeMissingPrimary    NoticeCode = "missing_primary"     // Batches without bloom cannot be blended
	NoticeForcedIncompat    NoticeCode = "forced_incompatible" // Forced pick fails the strategy predicate
	NoticeForcedUnknown     NoticeCode = "forced_unavailable"  // Forced pick not in the available pool
	NoticeForcedConflict    NoticeCode = "forced_conflict"     // Forced pick also forced-excluded
	NoticeForcedOverflow    NoticeCode = "forced_overflow"     // More forced picks than requested units
	NoticeForcedReduced     NoticeCode = "forced_reduced"      // Forced picks dropped to keep the mean reachable
	NoticeTargetUnreachable NoticeCode = "target_unreachable"  // Mean cannot reach the range with this pool
)

// Notice is an advisory message. Notices never make a proposal invalid.
type Notice struct {
	Code    NoticeCode
	Batches []quality.BatchKey
	Message string
}

type Proposal struct {
	Strategy       Strategy
	Allocations    []Allocation
	Averages       quality.Averages
	Findings       []Finding
	Notices        []Notice
	RequestedUnits int // After rounding to the allocation unit
	AllocatedUnits int
	Satisfied      bool // Primary target met
}

// Keys returns the selected batches in allocation order.
func (p Proposal) Keys() []quality.BatchKey {
	keys := make([]quality.BatchKey, len(p.Allocations))
	for i, a := range p.Allocations {
		keys[i] = a.Batch.Key
	}
	return keys
}

func (p Proposal) Empty() bool { return len(p.Allocations) == 0 }

// Notice returns the first notice with the given code.
func (p Proposal) Notice(code NoticeCode) (Notice, bool) {
	for _, n := range p.Notices {
		if n.Code == code {
			return n, true
		}
	}
	return Notice{}, false
}

func (p Proposal) HasNotice(code NoticeCode) bool {
	_, ok := p.Notice(code)
	return ok
}

