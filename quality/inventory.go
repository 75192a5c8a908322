package quality

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// =============================================================================
// INVENTORY - Batch pool administration and snapshots
// =============================================================================

// Inventory is the boundary with the inventory feed: it receives batches,
// places and lifts administrative holds, and hands the optimizer a snapshot
// of the pool scoped by provenance and fiscal year.
//
// Consumption is never set here; only the blend ledger consumes batches.
type Inventory struct {
	Store  TxStore
	Fiscal FiscalYearConfig
}

func NewInventory(store TxStore, fiscal FiscalYearConfig) *Inventory {
	return &Inventory{Store: store, Fiscal: fiscal}
}

// PoolQuery scopes a snapshot. Zero fields match everything.
type PoolQuery struct {
	Provenance Provenance
	FiscalYear *int
}

// Receive validates and stores a batch from the feed. A zero batch number is
// assigned the next number of its pool. Re-receiving an existing batch
// replaces its measurements but keeps its usage state.
func (inv *Inventory) Receive(ctx context.Context, b Batch) (Batch, error) {
	if err := validateBatch(b); err != nil {
		return Batch{}, err
	}

	var saved Batch
	err := inv.Store.WithTx(ctx, func(s Store) error {
		if b.Key.Number == 0 {
			n, err := s.NextBatchNumber(ctx, b.Key.Provenance)
			if err != nil {
				return err
			}
			b.Key.Number = n
		}

		existing, err := s.GetBatch(ctx, b.Key)
		switch {
		case err == nil:
			b.State = existing.State
			b.ConsumedBy = existing.ConsumedBy
			b.ConsumedAt = existing.ConsumedAt
		case errors.Is(err, ErrBatchNotFound):
			if b.State == "" {
				b.State = StateAvailable
			}
		default:
			return err
		}

		saved = b.Clone()
		return s.SaveBatch(ctx, saved)
	})
	return saved, err
}

// Hold excludes a batch from optimization. Holding a held batch is a no-op;
// consumed batches cannot be held.
func (inv *Inventory) Hold(ctx context.Context, key BatchKey) (Batch, error) {
	return inv.setHold(ctx, key, true)
}

// Unhold returns a held batch to the available pool.
func (inv *Inventory) Unhold(ctx context.Context, key BatchKey) (Batch, error) {
	return inv.setHold(ctx, key, false)
}

func (inv *Inventory) setHold(ctx context.Context, key BatchKey, held bool) (Batch, error) {
	var out Batch
	err := inv.Store.WithTx(ctx, func(s Store) error {
		b, err := s.GetBatch(ctx, key)
		if err != nil {
			return err
		}
		if b.State == StateConsumed {
			return &BatchUnavailableError{Batches: []BatchKey{key}, States: []UsageState{b.State}}
		}
		if held {
			b.State = StateHeld
		} else {
			b.State = StateAvailable
		}
		out = b
		return s.SaveBatch(ctx, b)
	})
	return out, err
}

// Pool returns the optimizer snapshot: available and held batches in scope.
// Held batches are included so the proposal can report them as excluded.
func (inv *Inventory) Pool(ctx context.Context, q PoolQuery) ([]Batch, error) {
	filter := BatchFilter{
		Provenance: q.Provenance,
		States:     []UsageState{StateAvailable, StateHeld},
	}
	if q.FiscalYear != nil {
		p := inv.Fiscal.PeriodFor(*q.FiscalYear)
		filter.ProducedIn = &p
	}
	return inv.Store.ListBatches(ctx, filter)
}

func validateBatch(b Batch) error {
	if !b.Key.Provenance.Valid() {
		return fmt.Errorf("%w: unknown provenance %q", ErrInvalidBatch, b.Key.Provenance)
	}
	if b.Key.Number < 0 {
		return fmt.Errorf("%w: negative batch number", ErrInvalidBatch)
	}
	if b.State == StateConsumed || (b.State != "" && !b.State.Valid()) {
		return fmt.Errorf("%w: feed cannot set state %q", ErrInvalidBatch, b.State)
	}
	for attr, v := range b.Numeric {
		if !attr.IsNumeric() {
			return fmt.Errorf("%w: %q is not a numeric attribute", ErrInvalidBatch, attr)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s must be a finite non-negative number", ErrInvalidBatch, attr)
		}
	}
	if ph, ok := b.Numeric[AttrPH]; ok && ph > 14 {
		return fmt.Errorf("%w: ph %.2f out of range 0-14", ErrInvalidBatch, ph)
	}
	for attr := range b.Categorical {
		if !attr.IsCategorical() {
			return fmt.Errorf("%w: %q is not a categorical attribute", ErrInvalidBatch, attr)
		}
	}
	return nil
}
