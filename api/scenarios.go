/*
scenarios.go - Demo batch pools for testing and demonstrations

PURPOSE:

	Provides pre-built batch pools that populate the store with realistic
	data for testing and demos. Each scenario receives batches through the
	inventory (the same path the feed uses) and some go on to commit a blend.

AVAILABLE SCENARIOS:

	capsule-season:     Internal pool around the capsule band, mixed color
	supplier-mix:       Internal and supplier batches, two of them held
	off-spec-clearance: Wide bloom spread for outside-range and averaging
	committed-lot:      capsule-season plus one committed blend

HOW SCENARIOS WORK:
 1. Reset the store (clear batches and blends)
 2. Receive the batch table through quality.Inventory
 3. Optionally hold batches or commit a proposal

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "supplier-mix"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Batch, proposal and blend handlers
  - factory/presets.go: Targets the scenarios are tuned for
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/blend-engine/factory"
	"github.com/warp/blend-engine/ledger"
	"github.com/warp/blend-engine/optimizer"
	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "capsule-season",
		Name:        "Capsule Season",
		Description: "Twelve internal batches around bloom 240-260 with viscosity, pH and color",
		Category:    "internal",
	},
	{
		ID:          "supplier-mix",
		Name:        "Supplier Mix",
		Description: "Internal and supplier batches sharing numbers; two batches on hold",
		Category:    "mixed",
	},
	{
		ID:          "off-spec-clearance",
		Name:        "Off-Spec Clearance",
		Description: "Bloom from 150 to 320 for technical grade and confectionery averaging",
		Category:    "internal",
	},
	{
		ID:          "committed-lot",
		Name:        "Committed Lot",
		Description: "Capsule season with lot LOT-DEMO-001 already blended from four batches",
		Category:    "ledger",
	},
}

// DemoLotID is the lot committed by the committed-lot scenario.
const DemoLotID = "LOT-DEMO-001"

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := h.scenarioLoader(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all batches and blends.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// LoadScenarioByID loads a scenario without going through HTTP. Used by the
// serve command's --scenario flag.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	load, ok := h.scenarioLoader(id)
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	if err := load(ctx); err != nil {
		return err
	}
	h.currentScenario = id
	return nil
}

func (h *Handler) scenarioLoader(id string) (func(context.Context) error, bool) {
	switch id {
	case "capsule-season":
		return h.loadCapsuleSeasonScenario, true
	case "supplier-mix":
		return h.loadSupplierMixScenario, true
	case "off-spec-clearance":
		return h.loadOffSpecClearanceScenario, true
	case "committed-lot":
		return h.loadCommittedLotScenario, true
	default:
		return nil, false
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// demoBatch is one row of a scenario table. Zero numeric fields are treated
// as not measured.
type demoBatch struct {
	prov      quality.Provenance
	number    int
	bloom     float64
	viscosity float64
	ph        float64
	moisture  float64
	clarity   float64
	color     string
	odor      string
	supplier  string
	daysAgo   int
}

func (d demoBatch) batch(now time.Time) quality.Batch {
	b := quality.Batch{
		Key:         quality.BatchKey{Provenance: d.prov, Number: d.number},
		Numeric:     map[quality.Attribute]float64{},
		Categorical: map[quality.Attribute]string{},
		Supplier:    d.supplier,
		ProducedAt:  now.AddDate(0, 0, -d.daysAgo),
	}
	for attr, v := range map[quality.Attribute]float64{
		quality.AttrBloom:     d.bloom,
		quality.AttrViscosity: d.viscosity,
		quality.AttrPH:        d.ph,
		quality.AttrMoisture:  d.moisture,
		quality.AttrClarity:   d.clarity,
	} {
		if v > 0 {
			b.Numeric[attr] = v
		}
	}
	if d.color != "" {
		b.Categorical[quality.AttrColor] = d.color
	}
	if d.odor != "" {
		b.Categorical[quality.AttrOdor] = d.odor
	}
	return b
}

func (h *Handler) receiveAll(ctx context.Context, rows []demoBatch) error {
	now := h.Clock.Now()
	for _, row := range rows {
		if _, err := h.Inventory.Receive(ctx, row.batch(now)); err != nil {
			return fmt.Errorf("receive %s:%d: %w", row.prov, row.number, err)
		}
	}
	return nil
}

const (
	internal = quality.ProvenanceInternal
	external = quality.ProvenanceExternal
)

var capsuleSeason = []demoBatch{
	{prov: internal, number: 1, bloom: 236, viscosity: 41.5, ph: 5.4, moisture: 10.8, clarity: 88, color: "light", odor: "neutral", daysAgo: 40},
	{prov: internal, number: 2, bloom: 244, viscosity: 44.0, ph: 5.6, moisture: 11.2, clarity: 91, color: "light", odor: "neutral", daysAgo: 37},
	{prov: internal, number: 3, bloom: 251, viscosity: 46.2, ph: 5.5, moisture: 10.1, clarity: 86, color: "amber", odor: "neutral", daysAgo: 34},
	{prov: internal, number: 4, bloom: 258, viscosity: 48.9, ph: 5.9, moisture: 9.7, clarity: 83, color: "light", odor: "neutral", daysAgo: 31},
	{prov: internal, number: 5, bloom: 263, viscosity: 51.3, ph: 6.1, moisture: 9.9, clarity: 80, color: "amber", odor: "slight", daysAgo: 28},
	{prov: internal, number: 6, bloom: 247, viscosity: 43.1, ph: 5.2, moisture: 11.5, clarity: 92, color: "light", odor: "neutral", daysAgo: 25},
	{prov: internal, number: 7, bloom: 229, viscosity: 39.0, ph: 4.9, moisture: 12.0, clarity: 90, color: "light", odor: "neutral", daysAgo: 22},
	{prov: internal, number: 8, bloom: 255, viscosity: 47.4, ph: 5.7, moisture: 10.4, clarity: 85, color: "light", odor: "neutral", daysAgo: 19},
	{prov: internal, number: 9, bloom: 241, viscosity: 42.8, ph: 5.3, color: "amber", odor: "neutral", daysAgo: 16},
	{prov: internal, number: 10, bloom: 268, viscosity: 52.6, ph: 6.2, moisture: 9.1, clarity: 78, color: "dark", odor: "slight", daysAgo: 13},
	{prov: internal, number: 11, bloom: 249, viscosity: 45.0, ph: 5.5, moisture: 10.6, clarity: 89, color: "light", odor: "neutral", daysAgo: 10},
	{prov: internal, number: 12, viscosity: 44.7, ph: 5.6, color: "light", daysAgo: 7}, // Awaiting bloom test
}

func (h *Handler) loadCapsuleSeasonScenario(ctx context.Context) error {
	return h.receiveAll(ctx, capsuleSeason)
}

var supplierMix = []demoBatch{
	{prov: internal, number: 1, bloom: 246, viscosity: 44.2, ph: 5.5, color: "light", odor: "neutral", daysAgo: 30},
	{prov: internal, number: 2, bloom: 238, viscosity: 41.9, ph: 5.1, color: "light", odor: "neutral", daysAgo: 24},
	{prov: internal, number: 3, bloom: 262, viscosity: 50.2, ph: 6.0, color: "amber", odor: "neutral", daysAgo: 18},
	{prov: internal, number: 4, bloom: 253, viscosity: 46.6, ph: 5.7, color: "light", odor: "neutral", daysAgo: 12},
	{prov: external, number: 1, bloom: 250, viscosity: 45.5, ph: 5.4, color: "light", odor: "neutral", supplier: "Gelita Nord", daysAgo: 28},
	{prov: external, number: 2, bloom: 257, viscosity: 47.8, ph: 5.8, color: "amber", odor: "slight", supplier: "Gelita Nord", daysAgo: 21},
	{prov: external, number: 3, bloom: 242, viscosity: 43.0, ph: 5.3, color: "light", odor: "neutral", supplier: "Rousselot Sud", daysAgo: 15},
	{prov: external, number: 4, bloom: 233, viscosity: 40.4, ph: 5.0, color: "light", odor: "neutral", supplier: "Rousselot Sud", daysAgo: 9},
}

// supplierMixHeld are placed on hold after receipt.
var supplierMixHeld = []quality.BatchKey{
	{Provenance: internal, Number: 3},
	{Provenance: external, Number: 2},
}

func (h *Handler) loadSupplierMixScenario(ctx context.Context) error {
	if err := h.receiveAll(ctx, supplierMix); err != nil {
		return err
	}
	for _, k := range supplierMixHeld {
		if _, err := h.Inventory.Hold(ctx, k); err != nil {
			return fmt.Errorf("hold %s: %w", k, err)
		}
	}
	return nil
}

var offSpecClearance = []demoBatch{
	{prov: internal, number: 1, bloom: 152, clarity: 84, odor: "neutral", daysAgo: 60},
	{prov: internal, number: 2, bloom: 178, clarity: 88, odor: "neutral", daysAgo: 55},
	{prov: internal, number: 3, bloom: 196, clarity: 91, odor: "slight", daysAgo: 50},
	{prov: internal, number: 4, bloom: 214, clarity: 86, odor: "neutral", daysAgo: 45},
	{prov: internal, number: 5, bloom: 227, clarity: 82, odor: "neutral", daysAgo: 40},
	{prov: internal, number: 6, bloom: 248, clarity: 79, odor: "neutral", daysAgo: 35},
	{prov: internal, number: 7, bloom: 274, clarity: 77, odor: "slight", daysAgo: 30},
	{prov: internal, number: 8, bloom: 289, clarity: 81, odor: "neutral", daysAgo: 25},
	{prov: internal, number: 9, bloom: 303, clarity: 75, odor: "strong", daysAgo: 20},
	{prov: internal, number: 10, bloom: 318, clarity: 73, odor: "neutral", daysAgo: 15},
}

func (h *Handler) loadOffSpecClearanceScenario(ctx context.Context) error {
	return h.receiveAll(ctx, offSpecClearance)
}

func (h *Handler) loadCommittedLotScenario(ctx context.Context) error {
	if err := h.receiveAll(ctx, capsuleSeason); err != nil {
		return err
	}

	spec, err := h.Targets.ParseTarget(factory.CapsuleGradeJSON())
	if err != nil {
		return err
	}
	pool, err := h.Inventory.Pool(ctx, quality.PoolQuery{})
	if err != nil {
		return err
	}
	proposal, err := h.Optimizer.Select(pool, spec, optimizer.Request{DesiredUnits: 4 * h.Optimizer.Options().UnitsPerBatch})
	if err != nil {
		return err
	}
	target, err := h.Targets.MarshalTarget(spec)
	if err != nil {
		return err
	}

	_, err = h.Ledger.Commit(ctx, ledger.CommitRequest{
		Proposal:  proposal,
		LotID:     DemoLotID,
		Target:    target,
		Notes:     "Demo capsule lot",
		CreatedBy: "scenario",
	})
	return err
}
