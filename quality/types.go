/*
Package quality provides the core data model of the blend engine.

PURPOSE:
  This package contains the types shared by the optimizer, the blend ledger
  and every store implementation. A batch is a discrete unit of raw material
  with measured quality attributes; a blend is the immutable record of which
  batches were combined into a finished lot.

KEY CONCEPTS IN THIS FILE (types.go):
  - Provenance: which pool a batch came from (internal production or supplier)
  - BatchKey: type-safe identity of a batch across both pools
  - Attribute: the measured quality dimensions (bloom is the primary one)
  - UsageState: available, held or consumed
  - Batch: a batch with its attributes and consumption metadata

DESIGN PRINCIPLES:
  1. Closed provenance: dispatch on Provenance is a switch, never a lookup by name
  2. Absent is not zero: an unmeasured attribute carries no weight in averages
  3. Exclusivity: a consumed batch points at exactly one lot

USAGE:
  b := quality.Batch{
      Key:     quality.BatchKey{Provenance: quality.ProvenanceInternal, Number: 42},
      Numeric: map[quality.Attribute]float64{quality.AttrBloom: 250},
      State:   quality.StateAvailable,
  }
  bloom, ok := b.Primary()

SEE ALSO:
  - blend.go: Blend ledger records
  - store.go: Persistence interfaces
  - period.go: Fiscal-year scoping of the batch pool
*/
package quality

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PROVENANCE - Which pool a batch belongs to
// =============================================================================

type Provenance string

const (
	ProvenanceInternal Provenance = "internal" // Produced in-house
	ProvenanceExternal Provenance = "external" // Bought from a supplier
)

// Valid reports whether p is one of the known pools.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceInternal, ProvenanceExternal:
		return true
	default:
		return false
	}
}

// rank orders pools for deterministic tie-breaks: internal first.
func (p Provenance) rank() int {
	switch p {
	case ProvenanceInternal:
		return 0
	case ProvenanceExternal:
		return 1
	default:
		return 2
	}
}

// =============================================================================
// BATCH KEY - Identity across both pools
// =============================================================================

// BatchKey identifies a batch. Numbers are monotonic per provenance pool, so
// the same number may exist once in each pool.
type BatchKey struct {
	Provenance Provenance
	Number     int
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%s:%d", k.Provenance, k.Number)
}

// Less orders keys by batch number, then internal before external.
func (k BatchKey) Less(other BatchKey) bool {
	if k.Number != other.Number {
		return k.Number < other.Number
	}
	return k.Provenance.rank() < other.Provenance.rank()
}

// ParseBatchKey parses the "provenance:number" form produced by String.
func ParseBatchKey(s string) (BatchKey, error) {
	prov, num, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return BatchKey{}, fmt.Errorf("invalid batch key %q: want provenance:number", s)
	}
	p := Provenance(strings.ToLower(prov))
	if !p.Valid() {
		return BatchKey{}, fmt.Errorf("invalid batch key %q: unknown provenance %q", s, prov)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return BatchKey{}, fmt.Errorf("invalid batch key %q: number must be a positive integer", s)
	}
	return BatchKey{Provenance: p, Number: n}, nil
}

// KeySet is a set of batch keys.
type KeySet map[BatchKey]struct{}

func NewKeySet(keys ...BatchKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Has(k BatchKey) bool {
	_, ok := s[k]
	return ok
}

// =============================================================================
// ATTRIBUTES - Measured quality dimensions
// =============================================================================

type Attribute string

const (
	AttrBloom        Attribute = "bloom" // Primary attribute (gel strength)
	AttrViscosity    Attribute = "viscosity"
	AttrPH           Attribute = "ph"
	AttrConductivity Attribute = "conductivity"
	AttrMoisture     Attribute = "moisture"
	AttrPeroxide     Attribute = "peroxide" // Residual oxidant
	AttrClarity      Attribute = "clarity"
	AttrColor        Attribute = "color" // Categorical
	AttrOdor         Attribute = "odor"  // Categorical
)

// NumericAttributes lists every numeric attribute in report order.
var NumericAttributes = []Attribute{
	AttrBloom, AttrViscosity, AttrPH, AttrConductivity, AttrMoisture, AttrPeroxide, AttrClarity,
}

// CategoricalAttributes lists every categorical attribute in report order.
var CategoricalAttributes = []Attribute{AttrColor, AttrOdor}

// IsNumeric reports whether a is averaged numerically.
func (a Attribute) IsNumeric() bool {
	for _, n := range NumericAttributes {
		if n == a {
			return true
		}
	}
	return false
}

// IsCategorical reports whether a is matched by value.
func (a Attribute) IsCategorical() bool {
	return a == AttrColor || a == AttrOdor
}

// =============================================================================
// USAGE STATE - Tri-state availability flag
// =============================================================================

type UsageState string

const (
	StateAvailable UsageState = "available"
	StateHeld      UsageState = "held"     // Administratively excluded, not consumed
	StateConsumed  UsageState = "consumed" // Assigned to exactly one blend
)

func (s UsageState) Valid() bool {
	switch s {
	case StateAvailable, StateHeld, StateConsumed:
		return true
	default:
		return false
	}
}

// =============================================================================
// BATCH
// =============================================================================

type Batch struct {
	Key         BatchKey
	Numeric     map[Attribute]float64
	Categorical map[Attribute]string
	State       UsageState
	ProducedAt  time.Time
	Supplier    string // External pool only

	// Consumption metadata, set only when State == StateConsumed
	ConsumedBy string
	ConsumedAt *time.Time
}

// Primary returns the bloom value. Batches without one cannot be blended.
func (b Batch) Primary() (float64, bool) {
	return b.Value(AttrBloom)
}

// Value returns a numeric attribute and whether it was measured.
func (b Batch) Value(a Attribute) (float64, bool) {
	v, ok := b.Numeric[a]
	return v, ok
}

// Label returns a categorical attribute, normalised for comparison.
func (b Batch) Label(a Attribute) (string, bool) {
	v, ok := b.Categorical[a]
	if !ok {
		return "", false
	}
	v = NormalizeLabel(v)
	return v, v != ""
}

func (b Batch) IsAvailable() bool { return b.State == StateAvailable }

// Clone returns a deep copy, so snapshots never alias store state.
func (b Batch) Clone() Batch {
	out := b
	if b.Numeric != nil {
		out.Numeric = make(map[Attribute]float64, len(b.Numeric))
		for k, v := range b.Numeric {
			out.Numeric[k] = v
		}
	}
	if b.Categorical != nil {
		out.Categorical = make(map[Attribute]string, len(b.Categorical))
		for k, v := range b.Categorical {
			out.Categorical[k] = v
		}
	}
	if b.ConsumedAt != nil {
		t := *b.ConsumedAt
		out.ConsumedAt = &t
	}
	return out
}

// Consume marks the batch as used by lot at the given instant.
func (b *Batch) Consume(lotID string, at time.Time) {
	b.State = StateConsumed
	b.ConsumedBy = lotID
	t := at
	b.ConsumedAt = &t
}

// Release returns the batch to the available pool and clears consumption metadata.
func (b *Batch) Release() {
	b.State = StateAvailable
	b.ConsumedBy = ""
	b.ConsumedAt = nil
}

// NormalizeLabel lowercases and trims categorical values.
func NormalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SortBatches orders batches by key: number first, internal before external.
func SortBatches(batches []Batch) {
	sort.Slice(batches, func(i, j int) bool { return batches[i].Key.Less(batches[j].Key) })
}
