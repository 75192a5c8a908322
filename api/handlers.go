/*
handlers.go - HTTP API handlers for the blend engine

PURPOSE:
  Exposes the batch pool, the optimizer and the blend ledger via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Batches:
    GET    /api/batches                 List batches (provenance, state, fiscal_year)
    POST   /api/batches                 Receive a batch from the inventory feed
    GET    /api/batches/{key}           Get one batch ("internal:42")
    POST   /api/batches/{key}/hold      Exclude from optimization
    DELETE /api/batches/{key}/hold      Return to the available pool

  Proposals:
    POST   /api/proposals               Run the optimizer (never writes)

  Blends:
    GET    /api/blends                  List blends, newest first
    POST   /api/blends                  Commit a proposal under a lot id
    GET    /api/blends/{id}             Get blend details
    GET    /api/blends/by-lot/{lot}     Get blend by lot id
    DELETE /api/blends/{id}             Reverse within the retention window

  Ledger:
    GET    /api/ledger/window           Reversible blends, next deadline

  Presets:
    GET    /api/presets                 Ready-made targets

REQUEST FLOW:
  1. Parse and validate the HTTP request (validate.go)
  2. Call domain logic (inventory, optimizer, ledger)
  3. Serialize response
  4. Map errors through quality.IsClientError / IsNotFound / IsConflict

ERROR HANDLING:
  - 400: Validation errors, invalid target, empty proposal
  - 404: Unknown batch or blend
  - 409: Duplicate lot, batch unavailable, reversal window expired
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo batch pools
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/blend-engine/clock"
	"github.com/warp/blend-engine/factory"
	"github.com/warp/blend-engine/ledger"
	"github.com/warp/blend-engine/metrics"
	"github.com/warp/blend-engine/optimizer"
	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: transactions plus a demo reset.
type Store interface {
	quality.TxStore
	Reset(ctx context.Context) error
}

// Config tunes the domain services. Zero values use package defaults.
type Config struct {
	Optimizer       optimizer.Options
	UnitWeight      decimal.Decimal
	RetentionWindow time.Duration
	Fiscal          quality.FiscalYearConfig
	Clock           clock.Clock
	Log             *zap.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Inventory *quality.Inventory
	Ledger    *ledger.Ledger
	Optimizer *optimizer.Optimizer
	Targets   *factory.TargetFactory
	Monitor   *WindowMonitor
	Clock     clock.Clock
	Log       *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over store.
func NewHandler(store Store, cfg Config) *Handler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	opts := cfg.Optimizer
	if opts.UnitsPerBatch == 0 {
		// Unset: zero SecondaryWeight would otherwise disable secondary scoring.
		newRand := opts.NewRand
		opts = optimizer.DefaultOptions()
		opts.NewRand = newRand
	}

	l := ledger.New(store)
	l.Clock = clk
	l.Guard = ledger.NewGuard(cfg.RetentionWindow, clk)
	l.Log = log.Named("ledger")
	l.UnitsPerBatch = opts.UnitsPerBatch
	if !cfg.UnitWeight.IsZero() {
		l.UnitWeight = cfg.UnitWeight
	}

	return &Handler{
		Store:     store,
		Inventory: quality.NewInventory(store, cfg.Fiscal),
		Ledger:    l,
		Optimizer: optimizer.New(opts),
		Targets:   factory.NewTargetFactory(),
		Monitor:   NewWindowMonitor(l, clk, log.Named("window")),
		Clock:     clk,
		Log:       log,
	}
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ListBatches returns batches, optionally filtered by ?provenance=, ?state=
// (comma separated) and ?fiscal_year=.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := quality.BatchFilter{Provenance: quality.Provenance(q.Get("provenance"))}
	if filter.Provenance != "" && !filter.Provenance.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid provenance", nil)
		return
	}
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := quality.UsageState(strings.TrimSpace(s))
			if !state.Valid() {
				writeError(w, http.StatusBadRequest, "Invalid state", errors.New(s))
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	if raw := q.Get("fiscal_year"); raw != "" {
		fy, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid fiscal_year", err)
			return
		}
		p := h.Inventory.Fiscal.PeriodFor(fy)
		filter.ProducedIn = &p
	}

	batches, err := h.Store.ListBatches(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBatch returns a single batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	key, ok := batchKeyParam(w, r)
	if !ok {
		return
	}
	b, err := h.Store.GetBatch(r.Context(), key)
	if err != nil {
		writeDomainError(w, "Failed to get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(b))
}

// ReceiveBatch stores a batch from the inventory feed.
func (h *Handler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var req ReceiveBatchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b := quality.Batch{
		Key:         quality.BatchKey{Provenance: quality.Provenance(req.Provenance), Number: req.Number},
		Numeric:     make(map[quality.Attribute]float64, len(req.Numeric)),
		Categorical: make(map[quality.Attribute]string, len(req.Categorical)),
		Supplier:    req.Supplier,
	}
	for attr, v := range req.Numeric {
		b.Numeric[quality.Attribute(strings.ToLower(attr))] = v
	}
	for attr, v := range req.Categorical {
		b.Categorical[quality.Attribute(strings.ToLower(attr))] = v
	}
	if req.ProducedAt != "" {
		// Already checked by the datetime tag.
		b.ProducedAt, _ = time.Parse("2006-01-02", req.ProducedAt)
	}
	if req.Held {
		b.State = quality.StateHeld
	}

	saved, err := h.Inventory.Receive(r.Context(), b)
	if err != nil {
		writeDomainError(w, "Failed to receive batch", err)
		return
	}
	h.Log.Debug("batch received", zap.Stringer("batch", saved.Key), zap.String("state", string(saved.State)))
	writeJSON(w, http.StatusCreated, toBatchDTO(saved))
}

// HoldBatch excludes a batch from optimization.
func (h *Handler) HoldBatch(w http.ResponseWriter, r *http.Request) {
	h.setHold(w, r, true)
}

// UnholdBatch returns a held batch to the pool.
func (h *Handler) UnholdBatch(w http.ResponseWriter, r *http.Request) {
	h.setHold(w, r, false)
}

func (h *Handler) setHold(w http.ResponseWriter, r *http.Request, held bool) {
	key, ok := batchKeyParam(w, r)
	if !ok {
		return
	}
	var (
		b   quality.Batch
		err error
	)
	if held {
		b, err = h.Inventory.Hold(r.Context(), key)
	} else {
		b, err = h.Inventory.Unhold(r.Context(), key)
	}
	if err != nil {
		writeDomainError(w, "Failed to update hold", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(b))
}

// =============================================================================
// PROPOSAL HANDLERS
// =============================================================================

// CreateProposal runs the optimizer against the current pool. Nothing is
// written; the caller reviews the proposal and commits it separately.
func (h *Handler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req ProposalRequest
	if err := decode(r, &req); err != nil {
		metrics.RecordProposal("unknown", metrics.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	spec, err := h.resolveTarget(req.Target, req.Preset)
	if err != nil {
		metrics.RecordProposal("unknown", metrics.OutcomeInvalid)
		writeDomainError(w, "Invalid target", err)
		return
	}

	// Keys were checked by the batchkey tag.
	oreq := optimizer.Request{
		ForcedInclude: mustParseKeys(req.ForcedInclude),
		ForcedExclude: mustParseKeys(req.ForcedExclude),
		DesiredUnits:  req.DesiredUnits,
		Seed:          req.Seed,
	}

	pool, err := h.Inventory.Pool(r.Context(), quality.PoolQuery{
		Provenance: quality.Provenance(req.Provenance),
		FiscalYear: req.FiscalYear,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load batch pool", err)
		return
	}

	proposal, err := h.Optimizer.Select(pool, spec, oreq)
	if err != nil {
		metrics.RecordProposal(string(spec.Primary.Strategy), metrics.OutcomeInvalid)
		writeDomainError(w, "Invalid proposal request", err)
		return
	}
	recordProposal(proposal)

	target, err := h.Targets.MarshalTarget(spec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode target", err)
		return
	}

	h.Log.Debug("proposal built",
		zap.String("strategy", string(proposal.Strategy)),
		zap.Int("pool", len(pool)),
		zap.Int("allocated_units", proposal.AllocatedUnits),
		zap.Bool("satisfied", proposal.Satisfied),
	)
	writeJSON(w, http.StatusOK, toProposalDTO(proposal, target))
}

// resolveTarget parses an inline target, falling back to a named preset.
func (h *Handler) resolveTarget(raw json.RawMessage, preset string) (optimizer.TargetSpec, error) {
	if len(raw) > 0 && string(raw) != "null" {
		return h.Targets.ParseTarget(string(raw))
	}
	p, ok := factory.GetPreset(preset)
	if !ok {
		return optimizer.TargetSpec{}, &quality.SpecError{Field: "preset", Reason: "unknown preset " + strconv.Quote(preset)}
	}
	return h.Targets.ParseTarget(p.JSON)
}

func recordProposal(p optimizer.Proposal) {
	outcome := metrics.OutcomePartial
	switch {
	case p.Empty():
		outcome = metrics.OutcomeEmpty
	case p.Satisfied && !p.HasNotice(optimizer.NoticeShortfall):
		outcome = metrics.OutcomeSatisfied
	}
	codes := make([]string, len(p.Notices))
	for i, n := range p.Notices {
		codes[i] = string(n.Code)
	}
	metrics.RecordProposal(string(p.Strategy), outcome, codes...)
}

// =============================================================================
// BLEND HANDLERS
// =============================================================================

// CommitBlend commits reviewed allocations as a blend. Batch availability is
// re-checked inside the ledger transaction; a 409 means the pool changed and
// the proposal should be rebuilt.
func (h *Handler) CommitBlend(w http.ResponseWriter, r *http.Request) {
	var req CommitBlendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var target []byte
	if len(req.Target) > 0 && string(req.Target) != "null" {
		spec, err := h.Targets.ParseTarget(string(req.Target))
		if err != nil {
			writeDomainError(w, "Invalid target", err)
			return
		}
		if target, err = h.Targets.MarshalTarget(spec); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encode target", err)
			return
		}
	}

	proposal := optimizer.Proposal{Allocations: make([]optimizer.Allocation, len(req.Allocations))}
	for i, a := range req.Allocations {
		key, _ := quality.ParseBatchKey(a.Batch)
		proposal.Allocations[i] = optimizer.Allocation{Batch: quality.Batch{Key: key}, Units: a.Units}
	}

	ctx := r.Context()
	id, err := h.Ledger.Commit(ctx, ledger.CommitRequest{
		Proposal:  proposal,
		LotID:     req.LotID,
		Target:    target,
		Notes:     req.Notes,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		writeDomainError(w, "Failed to commit blend", err)
		return
	}

	blend, err := h.Ledger.Get(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Blend committed but could not be read back", err)
		return
	}
	writeJSON(w, http.StatusCreated, CommitBlendResponse{ID: string(id), Blend: h.toBlendDTO(blend)})
}

// ListBlends returns blends, filtered by ?status=, ?lot_prefix=, ?from=,
// ?to= (RFC 3339) and ?limit=.
func (h *Handler) ListBlends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := quality.BlendFilter{
		Status:    quality.BlendStatus(q.Get("status")),
		LotPrefix: q.Get("lot_prefix"),
	}
	for name, dst := range map[string]**time.Time{"from": &filter.CreatedFrom, "to": &filter.CreatedTo} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+name, err)
			return
		}
		*dst = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	blends, err := h.Ledger.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list blends", err)
		return
	}

	dtos := make([]BlendDTO, len(blends))
	for i, b := range blends {
		dtos[i] = h.toBlendDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBlend returns a single blend.
func (h *Handler) GetBlend(w http.ResponseWriter, r *http.Request) {
	blend, err := h.Ledger.Get(r.Context(), quality.BlendID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get blend", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toBlendDTO(blend))
}

// GetBlendByLot looks a blend up by its lot id.
func (h *Handler) GetBlendByLot(w http.ResponseWriter, r *http.Request) {
	blend, err := h.Ledger.GetByLot(r.Context(), chi.URLParam(r, "lot"))
	if err != nil {
		writeDomainError(w, "Failed to get blend", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toBlendDTO(blend))
}

// DeleteBlend reverses a blend and frees its batches.
func (h *Handler) DeleteBlend(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Delete(r.Context(), quality.BlendID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to delete blend", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toBlendDTO(b quality.Blend) BlendDTO {
	dto := BlendDTO{
		ID:             string(b.ID),
		Serial:         b.Serial,
		LotID:          b.LotID,
		Status:         string(b.Status),
		Items:          make([]BlendItemDTO, len(b.Items)),
		TotalUnits:     b.Totals.Units,
		TotalWeightKg:  b.Totals.Weight.String(),
		Averages:       toAveragesDTO(b.Totals.Averages),
		Notes:          b.Notes,
		CreatedBy:      b.CreatedBy,
		CreatedAt:      b.CreatedAt.UTC().Format(time.RFC3339),
		Deletable:      h.Ledger.Deletable(b),
		DeleteDeadline: h.Ledger.Guard.Deadline(b).UTC().Format(time.RFC3339),
	}
	if len(b.Target) > 0 {
		dto.Target = json.RawMessage(b.Target)
	}
	for i, it := range b.Items {
		dto.Items[i] = BlendItemDTO{Batch: it.Batch.String(), Units: it.Units, Snapshot: toBatchDTO(it.Snapshot)}
	}
	return dto
}

// =============================================================================
// PRESET HANDLERS
// =============================================================================

// ListPresets returns the ready-made targets.
func (h *Handler) ListPresets(w http.ResponseWriter, r *http.Request) {
	list := factory.ListPresets()
	dtos := make([]PresetDTO, 0, len(list))
	for _, p := range list {
		spec, err := h.Targets.ParseTarget(p.JSON)
		if err != nil {
			h.Log.Warn("skipping invalid preset", zap.String("preset", p.Name), zap.Error(err))
			continue
		}
		target, err := h.Targets.MarshalTarget(spec)
		if err != nil {
			continue
		}
		dtos = append(dtos, PresetDTO{Name: p.Name, Description: p.Description, Target: target})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func batchKeyParam(w http.ResponseWriter, r *http.Request) (quality.BatchKey, bool) {
	key, err := quality.ParseBatchKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch key", err)
		return quality.BatchKey{}, false
	}
	return key, true
}

func mustParseKeys(raw []string) []quality.BatchKey {
	keys := make([]quality.BatchKey, 0, len(raw))
	for _, s := range raw {
		if k, err := quality.ParseBatchKey(s); err == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error's category.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case quality.IsClientError(err):
		status = http.StatusBadRequest
	case quality.IsNotFound(err):
		status = http.StatusNotFound
	case quality.IsConflict(err):
		status = http.StatusConflict
	}
	writeError(w, status, message, err)
}
