/*
ledger.go - Blend ledger: commit proposals, reverse recent blends

PURPOSE:
  Turns an optimizer proposal into an immutable blend record and marks the
  proposed batches consumed. Within the retention window a blend can be
  deleted, which frees its batches for future proposals.

CRITICAL INVARIANTS:
  1. EXCLUSIVITY: A batch is consumed by at most one blend. Availability is
     re-checked inside the same transaction that consumes, so of two
     concurrent commits over a shared batch exactly one succeeds.
  2. FROZEN: Items carry a snapshot of each batch at commit time, and totals
     are computed from those snapshots. Later feed updates never change a
     committed blend.
  3. UNIQUE LOT: Lot ids are caller-supplied and unique across the ledger.
  4. SERIAL: Every commit gets max(serial)+1, starting at 1.
  5. FIXED UNIT: Every item carries exactly UnitsPerBatch units. Allocation
     is never variable per batch.

REVERSAL:
  Delete runs the Guard first. Past the window the blend stays and its
  batches stay consumed. Within the window, each batch is released on a
  best-effort basis: a failure is logged and counted, the loop continues,
  and the record is removed at the end. A batch that now points at a
  different lot is left alone.

NO RETRY:
  A commit that loses a race returns *quality.BatchUnavailableError. The
  caller re-runs the optimizer against a fresh snapshot.

SEE ALSO:
  - guard.go: Retention window check
  - quality/store.go: TxStore.WithTx
  - optimizer/select.go: Builds the proposals committed here
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/blend-engine/clock"
	"github.com/warp/blend-engine/metrics"
	"github.com/warp/blend-engine/optimizer"
	"github.com/warp/blend-engine/quality"
)

// DefaultUnitWeightKg is the mass of one allocation unit.
var DefaultUnitWeightKg = decimal.NewFromInt(25)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store         quality.TxStore
	Guard         Guard
	UnitWeight    decimal.Decimal // Mass of one unit, used for blend totals
	UnitsPerBatch int             // Units every committed item must carry
	Clock         clock.Clock
	Log           *zap.Logger
	NewID         func() quality.BlendID
}

// New creates a ledger with a 48h window, one 25 kg unit per batch and a
// no-op logger.
func New(store quality.TxStore) *Ledger {
	return &Ledger{
		Store:         store,
		Guard:         NewGuard(DefaultRetentionWindow, clock.System{}),
		UnitWeight:    DefaultUnitWeightKg,
		UnitsPerBatch: 1,
		Clock:         clock.System{},
		Log:           zap.NewNop(),
		NewID:         func() quality.BlendID { return quality.BlendID(uuid.NewString()) },
	}
}

// CommitRequest is what a caller commits: a proposal plus lot metadata.
type CommitRequest struct {
	Proposal  optimizer.Proposal
	LotID     string
	Target    []byte // Target specification as JSON, stored verbatim
	Notes     string
	CreatedBy string
}

// =============================================================================
// COMMIT
// =============================================================================

// Commit persists the proposal as a completed blend and consumes its batches.
//
// Errors:
//   - quality.ErrEmptyProposal: nothing to commit
//   - *quality.SpecError: blank lot id, or an item whose units differ from
//     UnitsPerBatch
//   - quality.ErrDuplicateLotID: lot id already used
//   - *quality.BatchUnavailableError: a batch was held or consumed meanwhile
func (l *Ledger) Commit(ctx context.Context, req CommitRequest) (quality.BlendID, error) {
	if req.Proposal.Empty() {
		return "", quality.ErrEmptyProposal
	}
	lot := strings.TrimSpace(req.LotID)
	if lot == "" {
		return "", &quality.SpecError{Field: "lot_id", Reason: "must not be blank"}
	}
	if err := l.checkUnits(req.Proposal.Allocations); err != nil {
		return "", err
	}

	now := l.now()
	var blend quality.Blend
	err := l.Store.WithTx(ctx, func(s quality.Store) error {
		_, err := s.GetBlendByLot(ctx, lot)
		switch {
		case err == nil:
			return quality.ErrDuplicateLotID
		case !errors.Is(err, quality.ErrBlendNotFound):
			return err
		}

		items, err := claim(ctx, s, req.Proposal.Allocations)
		if err != nil {
			return err
		}

		serial, err := s.MaxSerial(ctx)
		if err != nil {
			return err
		}

		blend = quality.Blend{
			ID:        l.newID(),
			Serial:    serial + 1,
			LotID:     lot,
			Items:     items,
			Totals:    l.totals(items),
			Status:    quality.BlendCompleted,
			Target:    req.Target,
			Notes:     req.Notes,
			CreatedBy: req.CreatedBy,
			CreatedAt: now,
		}

		for _, it := range items {
			b := it.Snapshot.Clone()
			b.Consume(lot, now)
			if err := s.SaveBatch(ctx, b); err != nil {
				return err
			}
		}
		return s.SaveBlend(ctx, blend)
	})
	if err != nil {
		l.recordConflict(err)
		l.log().Info("blend commit rejected", zap.String("lot_id", lot), zap.Error(err))
		return "", err
	}

	metrics.RecordCommit()
	l.log().Info("blend committed",
		zap.String("blend_id", string(blend.ID)),
		zap.String("lot_id", blend.LotID),
		zap.Int64("serial", blend.Serial),
		zap.Int("batches", len(blend.Items)),
		zap.String("weight_kg", blend.Totals.Weight.String()),
	)
	return blend.ID, nil
}

// checkUnits rejects allocations that do not carry the fixed unit.
func (l *Ledger) checkUnits(allocs []optimizer.Allocation) error {
	unit := l.unitsPerBatch()
	for i, a := range allocs {
		if a.Units != unit {
			return &quality.SpecError{
				Field:  fmt.Sprintf("allocations[%d].units", i),
				Reason: fmt.Sprintf("batch %s carries %d unit(s); every batch carries exactly %d", a.Batch.Key, a.Units, unit),
			}
		}
	}
	return nil
}

// claim re-reads every proposed batch inside the transaction and freezes it.
// All unavailable batches are reported together.
func claim(ctx context.Context, s quality.Store, allocs []optimizer.Allocation) ([]quality.BlendItem, error) {
	items := make([]quality.BlendItem, 0, len(allocs))
	unavailable := &quality.BatchUnavailableError{}
	seen := quality.NewKeySet()

	for _, a := range allocs {
		key := a.Batch.Key
		b, err := s.GetBatch(ctx, key)
		switch {
		case errors.Is(err, quality.ErrBatchNotFound):
			unavailable.Batches = append(unavailable.Batches, key)
			unavailable.States = append(unavailable.States, "")
			continue
		case err != nil:
			return nil, err
		}
		if !b.IsAvailable() || seen.Has(key) {
			unavailable.Batches = append(unavailable.Batches, key)
			unavailable.States = append(unavailable.States, b.State)
			continue
		}
		seen[key] = struct{}{}
		items = append(items, quality.BlendItem{Batch: key, Units: a.Units, Snapshot: b})
	}

	if len(unavailable.Batches) > 0 {
		return nil, unavailable
	}
	return items, nil
}

// totals aggregates the frozen snapshots.
func (l *Ledger) totals(items []quality.BlendItem) quality.BlendTotals {
	acc := quality.NewAccumulator()
	for _, it := range items {
		acc.Add(it.Snapshot, it.Units)
	}
	return quality.BlendTotals{
		Units:    acc.Units(),
		Weight:   l.unitWeight().Mul(decimal.NewFromInt(int64(acc.Units()))),
		Averages: acc.Averages(),
	}
}

// =============================================================================
// DELETE
// =============================================================================

// Delete reverses a blend within the retention window.
//
// Errors:
//   - quality.ErrBlendNotFound: unknown id
//   - *quality.ExpiredWindowError: window closed; nothing changes
func (l *Ledger) Delete(ctx context.Context, id quality.BlendID) error {
	var blend quality.Blend
	var failed []quality.BatchKey
	err := l.Store.WithTx(ctx, func(s quality.Store) error {
		var err error
		blend, err = s.GetBlend(ctx, id)
		if err != nil {
			return err
		}
		if err := l.Guard.Check(blend); err != nil {
			return err
		}

		failed = l.release(ctx, s, blend)
		return s.DeleteBlend(ctx, id)
	})
	if err != nil {
		l.recordConflict(err)
		l.log().Info("blend delete rejected", zap.String("blend_id", string(id)), zap.Error(err))
		return err
	}

	metrics.RecordReversal()
	l.log().Info("blend deleted",
		zap.String("blend_id", string(blend.ID)),
		zap.String("lot_id", blend.LotID),
		zap.Int("released", len(blend.Items)-len(failed)),
		zap.Int("release_failures", len(failed)),
	)
	return nil
}

// release frees each batch of the blend, returning the keys left untouched.
func (l *Ledger) release(ctx context.Context, s quality.Store, blend quality.Blend) []quality.BatchKey {
	var failed []quality.BatchKey
	for _, it := range blend.Items {
		fields := []zap.Field{
			zap.String("blend_id", string(blend.ID)),
			zap.String("lot_id", blend.LotID),
			zap.Stringer("batch", it.Batch),
		}

		b, err := s.GetBatch(ctx, it.Batch)
		if err != nil {
			l.log().Warn("release: batch lookup failed", append(fields, zap.Error(err))...)
			metrics.RecordReleaseFailure()
			failed = append(failed, it.Batch)
			continue
		}
		if b.State != quality.StateConsumed || b.ConsumedBy != blend.LotID {
			l.log().Warn("release: batch not consumed by this lot, skipped",
				append(fields, zap.String("state", string(b.State)), zap.String("consumed_by", b.ConsumedBy))...)
			metrics.RecordReleaseFailure()
			failed = append(failed, it.Batch)
			continue
		}

		b.Release()
		if err := s.SaveBatch(ctx, b); err != nil {
			l.log().Warn("release: batch save failed", append(fields, zap.Error(err))...)
			metrics.RecordReleaseFailure()
			failed = append(failed, it.Batch)
		}
	}
	return failed
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id quality.BlendID) (quality.Blend, error) {
	return l.Store.GetBlend(ctx, id)
}

func (l *Ledger) GetByLot(ctx context.Context, lotID string) (quality.Blend, error) {
	return l.Store.GetBlendByLot(ctx, strings.TrimSpace(lotID))
}

// List returns blends newest first.
func (l *Ledger) List(ctx context.Context, filter quality.BlendFilter) ([]quality.Blend, error) {
	return l.Store.ListBlends(ctx, filter)
}

// Deletable reports whether b is still inside the retention window.
func (l *Ledger) Deletable(b quality.Blend) bool {
	return l.Guard.Check(b) == nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) recordConflict(err error) {
	switch {
	case errors.Is(err, quality.ErrDuplicateLotID):
		metrics.RecordConflict(metrics.ReasonDuplicateLot)
	case errors.Is(err, quality.ErrBatchUnavailable):
		metrics.RecordConflict(metrics.ReasonBatchUnavailable)
	case errors.Is(err, quality.ErrExpiredWindow):
		metrics.RecordConflict(metrics.ReasonExpiredWindow)
	}
}

func (l *Ledger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now()
}

func (l *Ledger) newID() quality.BlendID {
	if l.NewID == nil {
		return quality.BlendID(uuid.NewString())
	}
	return l.NewID()
}

func (l *Ledger) unitWeight() decimal.Decimal {
	if l.UnitWeight.IsZero() {
		return DefaultUnitWeightKg
	}
	return l.UnitWeight
}

func (l *Ledger) unitsPerBatch() int {
	if l.UnitsPerBatch <= 0 {
		return 1
	}
	return l.UnitsPerBatch
}

func (l *Ledger) log() *zap.Logger {
	if l.Log == nil {
		return zap.NewNop()
	}
	return l.Log
}
