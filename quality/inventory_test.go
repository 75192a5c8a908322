package quality_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/blend-engine/quality"
	"github.com/warp/blend-engine/quality/store"
)

func newInventory() *quality.Inventory {
	return quality.NewInventory(store.NewTxMemory(), quality.FiscalYearConfig{StartMonth: time.July})
}

func measured(key quality.BatchKey, bloom float64, produced time.Time) quality.Batch {
	return quality.Batch{
		Key:        key,
		Numeric:    map[quality.Attribute]float64{quality.AttrBloom: bloom},
		ProducedAt: produced,
	}
}

func TestInventory_Receive_AssignsNumbersPerPool(t *testing.T) {
	ctx := context.Background()
	inv := newInventory()
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	a, err := inv.Receive(ctx, measured(quality.BatchKey{Provenance: quality.ProvenanceInternal}, 250, day))
	require.NoError(t, err)
	b, err := inv.Receive(ctx, measured(quality.BatchKey{Provenance: quality.ProvenanceInternal}, 251, day))
	require.NoError(t, err)
	c, err := inv.Receive(ctx, measured(quality.BatchKey{Provenance: quality.ProvenanceExternal}, 252, day))
	require.NoError(t, err)

	assert.Equal(t, internal(1), a.Key)
	assert.Equal(t, internal(2), b.Key)
	assert.Equal(t, external(1), c.Key)
	assert.Equal(t, quality.StateAvailable, a.State)
}

func TestInventory_Receive_KeepsUsageState(t *testing.T) {
	ctx := context.Background()
	inv := newInventory()
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := inv.Receive(ctx, measured(internal(5), 250, day))
	require.NoError(t, err)
	_, err = inv.Hold(ctx, internal(5))
	require.NoError(t, err)

	// WHEN: The feed re-sends the batch with a corrected measurement
	got, err := inv.Receive(ctx, measured(internal(5), 255, day))
	require.NoError(t, err)

	// THEN: Measurements change, the hold stays
	assert.Equal(t, quality.StateHeld, got.State)
	v, _ := got.Primary()
	assert.Equal(t, 255.0, v)
}

func TestInventory_Receive_Validation(t *testing.T) {
	ctx := context.Background()
	inv := newInventory()

	tests := []struct {
		name  string
		batch quality.Batch
	}{
		{"unknown provenance", quality.Batch{Key: quality.BatchKey{Provenance: "supplier", Number: 1}}},
		{"negative bloom", quality.Batch{Key: internal(1), Numeric: map[quality.Attribute]float64{quality.AttrBloom: -1}}},
		{"ph above 14", quality.Batch{Key: internal(1), Numeric: map[quality.Attribute]float64{quality.AttrPH: 15}}},
		{"label as number", quality.Batch{Key: internal(1), Numeric: map[quality.Attribute]float64{quality.AttrColor: 3}}},
		{"number as label", quality.Batch{Key: internal(1), Categorical: map[quality.Attribute]string{quality.AttrBloom: "high"}}},
		{"consumed from feed", quality.Batch{Key: internal(1), State: quality.StateConsumed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := inv.Receive(ctx, tt.batch)
			assert.ErrorIs(t, err, quality.ErrInvalidBatch)
		})
	}
}

func TestInventory_HoldAndUnhold(t *testing.T) {
	ctx := context.Background()
	inv := newInventory()
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	_, err := inv.Receive(ctx, measured(internal(1), 250, day))
	require.NoError(t, err)

	held, err := inv.Hold(ctx, internal(1))
	require.NoError(t, err)
	assert.Equal(t, quality.StateHeld, held.State)

	released, err := inv.Unhold(ctx, internal(1))
	require.NoError(t, err)
	assert.Equal(t, quality.StateAvailable, released.State)

	_, err = inv.Hold(ctx, internal(99))
	assert.ErrorIs(t, err, quality.ErrBatchNotFound)
}

func TestInventory_Hold_ConsumedRejected(t *testing.T) {
	ctx := context.Background()
	s := store.NewTxMemory()
	inv := quality.NewInventory(s, quality.FiscalYearConfig{})

	b := measured(internal(1), 250, time.Now())
	b.Consume("LOT-1", time.Now())
	require.NoError(t, s.SaveBatch(ctx, b))

	_, err := inv.Hold(ctx, internal(1))
	assert.ErrorIs(t, err, quality.ErrBatchUnavailable)
}

func TestInventory_Pool_ScopedByFiscalYearAndProvenance(t *testing.T) {
	ctx := context.Background()
	inv := newInventory() // fiscal year starts in July

	_, err := inv.Receive(ctx, measured(internal(1), 250, time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = inv.Receive(ctx, measured(internal(2), 250, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = inv.Receive(ctx, measured(external(3), 250, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = inv.Receive(ctx, measured(internal(4), 250, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = inv.Hold(ctx, internal(4))
	require.NoError(t, err)

	fy := 2026
	pool, err := inv.Pool(ctx, quality.PoolQuery{FiscalYear: &fy})
	require.NoError(t, err)
	assert.Equal(t, []quality.BatchKey{internal(2), external(3), internal(4)}, keys(pool), "held batches are in the snapshot")

	pool, err = inv.Pool(ctx, quality.PoolQuery{Provenance: quality.ProvenanceInternal})
	require.NoError(t, err)
	assert.Equal(t, []quality.BatchKey{internal(1), internal(2), internal(4)}, keys(pool))
}

func keys(batches []quality.Batch) []quality.BatchKey {
	out := make([]quality.BatchKey, len(batches))
	for i, b := range batches {
		out[i] = b.Key
	}
	return out
}
