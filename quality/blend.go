package quality

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BLEND - Immutable record of a committed proposal
// =============================================================================

type BlendID string

type BlendStatus string

const (
	BlendDraft     BlendStatus = "draft"
	BlendCompleted BlendStatus = "completed"
)

// BlendItem freezes one batch as it was at commit time.
type BlendItem struct {
	Batch    BatchKey
	Units    int
	Snapshot Batch
}

// BlendTotals are computed from the frozen snapshots, never from live batches.
type BlendTotals struct {
	Units    int
	Weight   decimal.Decimal // Units x unit weight
	Averages Averages
}

type Blend struct {
	ID        BlendID
	Serial    int64  // Strictly increasing, assigned at commit
	LotID     string // Caller-supplied, globally unique
	Items     []BlendItem
	Totals    BlendTotals
	Status    BlendStatus
	Target    []byte // Frozen target specification (JSON)
	Notes     string
	CreatedBy string
	CreatedAt time.Time
}

// Keys returns the batches referenced by the blend, in item order.
func (b Blend) Keys() []BatchKey {
	keys := make([]BatchKey, len(b.Items))
	for i, it := range b.Items {
		keys[i] = it.Batch
	}
	return keys
}

// BlendFilter narrows List results. Zero fields match everything.
type BlendFilter struct {
	Status      BlendStatus
	LotPrefix   string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
}

// Matches applies the filter to a single blend. Stores that cannot push the
// filter down to their backend use this.
func (f BlendFilter) Matches(b Blend) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.LotPrefix != "" && !strings.HasPrefix(b.LotID, f.LotPrefix) {
		return false
	}
	if f.CreatedFrom != nil && b.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && b.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}
