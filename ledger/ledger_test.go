package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/blend-engine/clock"
	"github.com/warp/blend-engine/ledger"
	"github.com/warp/blend-engine/optimizer"
	"github.com/warp/blend-engine/quality"
	"github.com/warp/blend-engine/quality/store"
	"github.com/warp/blend-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store  quality.TxStore
	ledger *ledger.Ledger
	clock  *clock.Fake
}

// stores runs fn against every TxStore implementation.
func stores(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newFixture(t, store.NewTxMemory()))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, newFixture(t, s))
	})
}

func newFixture(t *testing.T, s quality.TxStore) fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	l := ledger.New(s)
	l.Clock = clk
	l.Guard = ledger.NewGuard(ledger.DefaultRetentionWindow, clk)
	return fixture{store: s, ledger: l, clock: clk}
}

func key(n int) quality.BatchKey {
	return quality.BatchKey{Provenance: quality.ProvenanceInternal, Number: n}
}

func (f fixture) seed(t *testing.T, blooms ...float64) []quality.Batch {
	t.Helper()
	var out []quality.Batch
	for i, bloom := range blooms {
		b := quality.Batch{
			Key:        key(i + 1),
			Numeric:    map[quality.Attribute]float64{quality.AttrBloom: bloom, quality.AttrViscosity: 40 + float64(i)},
			State:      quality.StateAvailable,
			ProducedAt: t0.AddDate(0, 0, -7),
		}
		require.NoError(t, f.store.SaveBatch(context.Background(), b))
		out = append(out, b)
	}
	return out
}

func (f fixture) state(t *testing.T, k quality.BatchKey) quality.Batch {
	t.Helper()
	b, err := f.store.GetBatch(context.Background(), k)
	require.NoError(t, err)
	return b
}

func proposal(batches ...quality.Batch) optimizer.Proposal {
	p := optimizer.Proposal{Strategy: optimizer.StrategyWithinRange}
	for _, b := range batches {
		p.Allocations = append(p.Allocations, optimizer.Allocation{Batch: b, Units: 1})
	}
	return p
}

// =============================================================================
// COMMIT
// =============================================================================

func TestCommit_PersistsBlendAndConsumesBatches(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 240, 250, 260)

		// WHEN: Committing two batches
		id, err := f.ledger.Commit(ctx, ledger.CommitRequest{
			Proposal:  proposal(pool[0], pool[1]),
			LotID:     "LOT-001",
			Target:    []byte(`{"primary":{"min":240,"max":260}}`),
			Notes:     "first run",
			CreatedBy: "qa",
		})
		require.NoError(t, err)

		// THEN: The blend is stored with frozen snapshots and totals
		blend, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "LOT-001", blend.LotID)
		assert.Equal(t, int64(1), blend.Serial)
		assert.Equal(t, quality.BlendCompleted, blend.Status)
		assert.Equal(t, []quality.BatchKey{key(1), key(2)}, blend.Keys())
		assert.Equal(t, 2, blend.Totals.Units)
		assert.True(t, decimal.NewFromInt(50).Equal(blend.Totals.Weight), "2 units x 25 kg")
		bloom, ok := blend.Totals.Averages.Mean(quality.AttrBloom)
		require.True(t, ok)
		assert.Equal(t, 245.0, bloom)
		assert.JSONEq(t, `{"primary":{"min":240,"max":260}}`, string(blend.Target))
		assert.Equal(t, "first run", blend.Notes)
		assert.Equal(t, "qa", blend.CreatedBy)
		assert.True(t, t0.Equal(blend.CreatedAt))

		// AND: The batches point back at the lot
		for _, k := range []quality.BatchKey{key(1), key(2)} {
			b := f.state(t, k)
			assert.Equal(t, quality.StateConsumed, b.State)
			assert.Equal(t, "LOT-001", b.ConsumedBy)
			require.NotNil(t, b.ConsumedAt)
			assert.True(t, t0.Equal(*b.ConsumedAt))
		}
		assert.Equal(t, quality.StateAvailable, f.state(t, key(3)).State)

		byLot, err := f.ledger.GetByLot(ctx, " LOT-001 ")
		require.NoError(t, err)
		assert.Equal(t, id, byLot.ID)
	})
}

func TestCommit_SnapshotsAreFrozen(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250)

		id, err := f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(pool[0]), LotID: "LOT-1"})
		require.NoError(t, err)

		// WHEN: The feed corrects the batch afterwards
		b := f.state(t, key(1))
		b.Numeric[quality.AttrBloom] = 999
		require.NoError(t, f.store.SaveBatch(ctx, b))

		// THEN: The blend keeps the value it was committed with
		blend, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		v, _ := blend.Items[0].Snapshot.Primary()
		assert.Equal(t, 250.0, v)
		bloom, _ := blend.Totals.Averages.Mean(quality.AttrBloom)
		assert.Equal(t, 250.0, bloom)
	})
}

func TestCommit_DuplicateLotRejected(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250, 251)

		_, err := f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(pool[0]), LotID: "LOT-1"})
		require.NoError(t, err)

		_, err = f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(pool[1]), LotID: "LOT-1"})
		assert.ErrorIs(t, err, quality.ErrDuplicateLotID)

		// Nothing changed for the second batch
		assert.Equal(t, quality.StateAvailable, f.state(t, key(2)).State)
	})
}

func TestCommit_UnavailableBatchRollsBack(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250, 251, 252)

		// GIVEN: Batch 2 is held after the proposal was built
		held := f.state(t, key(2))
		held.State = quality.StateHeld
		require.NoError(t, f.store.SaveBatch(ctx, held))

		missing := quality.Batch{Key: key(9)}
		_, err := f.ledger.Commit(ctx, ledger.CommitRequest{
			Proposal: proposal(pool[0], pool[1], missing),
			LotID:    "LOT-1",
		})

		// THEN: Every offender is reported and nothing is consumed
		require.ErrorIs(t, err, quality.ErrBatchUnavailable)
		var unavailable *quality.BatchUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, []quality.BatchKey{key(2), key(9)}, unavailable.Batches)
		assert.Equal(t, quality.StateAvailable, f.state(t, key(1)).State)

		_, err = f.ledger.GetByLot(ctx, "LOT-1")
		assert.ErrorIs(t, err, quality.ErrBlendNotFound)
	})
}

func TestCommit_Validation(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250)

		_, err := f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: optimizer.Proposal{}, LotID: "LOT-1"})
		assert.ErrorIs(t, err, quality.ErrEmptyProposal)

		_, err = f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(pool[0]), LotID: "  "})
		assert.ErrorIs(t, err, quality.ErrInvalidSpecification)

		// Listing the same batch twice is a conflict with itself
		_, err = f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(pool[0], pool[0]), LotID: "LOT-2"})
		assert.ErrorIs(t, err, quality.ErrBatchUnavailable)
	})
}

func TestCommit_UnitsMustMatchAllocationUnit(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250, 255)

		// GIVEN: A proposal that puts 40 units on one batch
		p := proposal(pool[0], pool[1])
		p.Allocations[1].Units = 40

		// WHEN: Committing it
		_, err := f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: p, LotID: "LOT-40"})

		// THEN: It is rejected as invalid and nothing is consumed
		require.ErrorIs(t, err, quality.ErrInvalidSpecification)
		var specErr *quality.SpecError
		require.ErrorAs(t, err, &specErr)
		assert.Equal(t, "allocations[1].units", specErr.Field)
		assert.Equal(t, quality.StateAvailable, f.state(t, key(1)).State)
		assert.Equal(t, quality.StateAvailable, f.state(t, key(2)).State)

		// AND: A ledger configured for two units per batch accepts two
		f.ledger.UnitsPerBatch = 2
		p.Allocations[0].Units, p.Allocations[1].Units = 2, 2
		id, err := f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: p, LotID: "LOT-2X"})
		require.NoError(t, err)
		blend, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 4, blend.Totals.Units)
		assert.True(t, decimal.NewFromInt(100).Equal(blend.Totals.Weight), "4 units x 25 kg")
	})
}

func TestCommit_SerialsIncrease(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250, 251, 252)

		var serials []int64
		for i, b := range pool {
			id, err := f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(b), LotID: "LOT-" + string(rune('A'+i))})
			require.NoError(t, err)
			blend, err := f.ledger.Get(ctx, id)
			require.NoError(t, err)
			serials = append(serials, blend.Serial)
		}
		assert.Equal(t, []int64{1, 2, 3}, serials)

		list, err := f.ledger.List(ctx, quality.BlendFilter{})
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "LOT-C", list[0].LotID, "newest first")

		filtered, err := f.ledger.List(ctx, quality.BlendFilter{LotPrefix: "LOT-B"})
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, int64(2), filtered[0].Serial)
	})
}

func TestCommit_ConcurrentCommitsShareBatch_OneWins(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250, 251, 252)

		// GIVEN: Two proposals overlap on batch 2
		reqs := []ledger.CommitRequest{
			{Proposal: proposal(pool[0], pool[1]), LotID: "LOT-A"},
			{Proposal: proposal(pool[1], pool[2]), LotID: "LOT-B"},
		}

		errs := make([]error, len(reqs))
		var wg sync.WaitGroup
		for i := range reqs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.ledger.Commit(ctx, reqs[i])
			}(i)
		}
		wg.Wait()

		// THEN: Exactly one succeeds; the loser consumed nothing
		var wins, losses int
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, quality.ErrBatchUnavailable)
				losses++
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, 1, losses)

		consumed, err := f.store.ListBatches(ctx, quality.BatchFilter{States: []quality.UsageState{quality.StateConsumed}})
		require.NoError(t, err)
		assert.Len(t, consumed, 2)
		assert.Equal(t, consumed[0].ConsumedBy, consumed[1].ConsumedBy)
	})
}

// =============================================================================
// DELETE
// =============================================================================

func TestDelete_WithinWindow_ReleasesBatches(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250, 251)

		id, err := f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(pool...), LotID: "LOT-1"})
		require.NoError(t, err)

		// WHEN: Deleted exactly at the window edge
		f.clock.Advance(48 * time.Hour)
		require.NoError(t, f.ledger.Delete(ctx, id))

		// THEN: The record is gone, batches are free, the lot can be reused
		_, err = f.ledger.Get(ctx, id)
		assert.ErrorIs(t, err, quality.ErrBlendNotFound)
		for _, k := range []quality.BatchKey{key(1), key(2)} {
			b := f.state(t, k)
			assert.Equal(t, quality.StateAvailable, b.State)
			assert.Empty(t, b.ConsumedBy)
			assert.Nil(t, b.ConsumedAt)
		}

		_, err = f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(pool...), LotID: "LOT-1"})
		assert.NoError(t, err)
	})
}

func TestDelete_After49Hours_Expired(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250)

		id, err := f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(pool[0]), LotID: "LOT-1"})
		require.NoError(t, err)

		f.clock.Advance(49 * time.Hour)
		err = f.ledger.Delete(ctx, id)

		require.ErrorIs(t, err, quality.ErrExpiredWindow)
		var expired *quality.ExpiredWindowError
		require.ErrorAs(t, err, &expired)
		assert.Equal(t, 49*time.Hour, expired.Elapsed)
		assert.Equal(t, 48*time.Hour, expired.Window)

		// The blend and its consumption are untouched
		_, err = f.ledger.Get(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, quality.StateConsumed, f.state(t, key(1)).State)
	})
}

func TestDelete_UnknownBlend(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		err := f.ledger.Delete(context.Background(), "nope")
		assert.ErrorIs(t, err, quality.ErrBlendNotFound)
	})
}

func TestDelete_SkipsBatchOwnedByAnotherLot(t *testing.T) {
	stores(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pool := f.seed(t, 250, 251)

		id, err := f.ledger.Commit(ctx, ledger.CommitRequest{Proposal: proposal(pool...), LotID: "LOT-1"})
		require.NoError(t, err)

		// GIVEN: Batch 2 was reassigned out of band
		b := f.state(t, key(2))
		b.Consume("LOT-OTHER", t0)
		require.NoError(t, f.store.SaveBatch(ctx, b))

		// WHEN: Deleting LOT-1
		require.NoError(t, f.ledger.Delete(ctx, id))

		// THEN: Batch 1 is freed, batch 2 stays with the other lot
		assert.Equal(t, quality.StateAvailable, f.state(t, key(1)).State)
		other := f.state(t, key(2))
		assert.Equal(t, quality.StateConsumed, other.State)
		assert.Equal(t, "LOT-OTHER", other.ConsumedBy)
	})
}

// =============================================================================
// GUARD
// =============================================================================

func TestGuard(t *testing.T) {
	clk := clock.NewFake(t0)
	g := ledger.NewGuard(0, clk)
	blend := quality.Blend{ID: "b", CreatedAt: t0}

	assert.Equal(t, ledger.DefaultRetentionWindow, g.Window)
	assert.Equal(t, t0.Add(48*time.Hour), g.Deadline(blend))

	clk.Advance(47 * time.Hour)
	assert.NoError(t, g.Check(blend))

	clk.Advance(time.Hour + time.Nanosecond)
	assert.ErrorIs(t, g.Check(blend), quality.ErrExpiredWindow)

	short := ledger.NewGuard(time.Hour, clk)
	assert.ErrorIs(t, short.Check(quality.Blend{CreatedAt: clk.Now().Add(-2 * time.Hour)}), quality.ErrExpiredWindow)
}
