/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Batches are received into the right pools
	- Holds are applied
	- The committed-lot scenario leaves exactly one blend behind

These tests ensure scenarios work correctly and can be used as integration tests.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/blend-engine/quality"
	"github.com/warp/blend-engine/store/sqlite"
)

func TestScenarios_AllLoad(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			// GIVEN: A fresh server
			s := newTestServer(t)

			// WHEN: Loading the scenario over HTTP
			rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: sc.ID})

			// THEN: It loads and becomes current
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
			assert.Equal(t, sc.ID, decodeBody[ScenarioDTO](t, rec).ID)
		})
	}
}

func TestScenario_CapsuleSeason(t *testing.T) {
	s := newTestServer(t)
	s.load(t, "capsule-season")
	ctx := context.Background()

	batches, err := s.h.Store.ListBatches(ctx, quality.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, batches, len(capsuleSeason))

	for _, b := range batches {
		assert.Equal(t, quality.ProvenanceInternal, b.Key.Provenance)
		assert.Equal(t, quality.StateAvailable, b.State)
		assert.False(t, b.ProducedAt.After(t0))
	}

	// Batch 12 is still waiting for its bloom test.
	b12, err := s.h.Store.GetBatch(ctx, quality.BatchKey{Provenance: quality.ProvenanceInternal, Number: 12})
	require.NoError(t, err)
	_, ok := b12.Primary()
	assert.False(t, ok)
}

func TestScenario_SupplierMix(t *testing.T) {
	s := newTestServer(t)
	s.load(t, "supplier-mix")
	ctx := context.Background()

	ext, err := s.h.Store.ListBatches(ctx, quality.BatchFilter{Provenance: quality.ProvenanceExternal})
	require.NoError(t, err)
	require.Len(t, ext, 4)
	for _, b := range ext {
		assert.NotEmpty(t, b.Supplier)
	}

	for _, k := range supplierMixHeld {
		b, err := s.h.Store.GetBatch(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, quality.StateHeld, b.State, k.String())
	}
}

func TestScenario_OffSpecClearance_TechnicalPreset(t *testing.T) {
	// GIVEN: A wide bloom spread
	s := newTestServer(t)
	s.load(t, "off-spec-clearance")

	// WHEN: Asking the technical preset (outside 230-270) for four units
	rec := s.do(t, http.MethodPost, "/api/proposals", `{"preset": "technical", "desired_units": 4, "seed": 7}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decodeBody[ProposalDTO](t, rec)

	// THEN: Every pick lies outside the band, two below and two above
	require.Len(t, p.Allocations, 4)
	below, above := 0, 0
	for _, a := range p.Allocations {
		switch bloom := a.Batch.Numeric["bloom"]; {
		case bloom < 230:
			below++
		case bloom > 270:
			above++
		default:
			t.Errorf("batch %s bloom %.0f inside the excluded band", a.Batch.Key, bloom)
		}
	}
	assert.Equal(t, 2, below)
	assert.Equal(t, 2, above)
}

func TestScenario_CommittedLot(t *testing.T) {
	s := newTestServer(t)
	s.load(t, "committed-lot")
	ctx := context.Background()

	blend, err := s.h.Ledger.GetByLot(ctx, DemoLotID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), blend.Serial)
	assert.Len(t, blend.Items, 4)
	assert.NotEmpty(t, blend.Target)

	consumed, err := s.h.Store.ListBatches(ctx, quality.BatchFilter{States: []quality.UsageState{quality.StateConsumed}})
	require.NoError(t, err)
	assert.Len(t, consumed, 4)
}

func TestScenario_ResetClearsEverything(t *testing.T) {
	s := newTestServer(t)
	s.load(t, "committed-lot")

	rec := s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/blends", nil)
	assert.Empty(t, decodeBody[[]BlendDTO](t, rec))
	rec = s.do(t, http.MethodGet, "/api/batches", nil)
	assert.Empty(t, decodeBody[[]BatchDTO](t, rec))
	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestScenario_UnknownRejected(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "new-employee"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Error(t, s.h.LoadScenarioByID(context.Background(), "new-employee"))
}

func TestScenario_OnSQLite(t *testing.T) {
	// GIVEN: The same handler over the SQLite store
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h := NewHandler(db, Config{})

	// WHEN: Loading the committed-lot scenario twice (reset in between)
	ctx := context.Background()
	require.NoError(t, h.LoadScenarioByID(ctx, "committed-lot"))
	require.NoError(t, h.LoadScenarioByID(ctx, "committed-lot"))

	// THEN: Only one blend exists and its serial restarted at 1
	blends, err := h.Ledger.List(ctx, quality.BlendFilter{})
	require.NoError(t, err)
	require.Len(t, blends, 1)
	assert.Equal(t, int64(1), blends[0].Serial)
}
