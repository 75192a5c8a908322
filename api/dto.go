/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the quality model from the external API contract: batch keys travel as
  "provenance:number" strings, weights as decimal strings, times as RFC 3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Batches:   BatchDTO, ReceiveBatchRequest
  Proposals: ProposalRequest, ProposalDTO, AllocationDTO, FindingDTO, NoticeDTO
  Blends:    CommitBlendRequest, BlendDTO, BlendItemDTO
  Other:     PresetDTO, ScenarioDTO, LoadScenarioRequest, ErrorResponse

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.decode, which unmarshals and validates in one step. Domain rules
  (target ranges, batch availability) are still enforced below the API.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/target.go: TargetJSON, the target wire format
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/blend-engine/optimizer"
	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// BATCHES
// =============================================================================

// BatchDTO represents a batch in API responses.
type BatchDTO struct {
	Key         string             `json:"key"`
	Provenance  string             `json:"provenance"`
	Number      int                `json:"number"`
	Numeric     map[string]float64 `json:"numeric"`
	Categorical map[string]string  `json:"categorical,omitempty"`
	State       string             `json:"state"`
	ProducedAt  string             `json:"produced_at,omitempty"`
	Supplier    string             `json:"supplier,omitempty"`
	ConsumedBy  string             `json:"consumed_by,omitempty"`
	ConsumedAt  string             `json:"consumed_at,omitempty"`
}

// ReceiveBatchRequest is a batch arriving from the inventory feed.
// A zero number asks the store to assign the next one in the pool.
type ReceiveBatchRequest struct {
	Provenance  string             `json:"provenance" validate:"required,oneof=internal external"`
	Number      int                `json:"number" validate:"gte=0"`
	Numeric     map[string]float64 `json:"numeric" validate:"required"`
	Categorical map[string]string  `json:"categorical"`
	ProducedAt  string             `json:"produced_at" validate:"omitempty,datetime=2006-01-02"`
	Supplier    string             `json:"supplier" validate:"required_if=Provenance external"`
	Held        bool               `json:"held"`
}

// =============================================================================
// PROPOSALS
// =============================================================================

// ProposalRequest runs the optimizer. Exactly one of Target or Preset is used;
// Target wins when both are present.
type ProposalRequest struct {
	Target        json.RawMessage `json:"target"`
	Preset        string          `json:"preset" validate:"required_without=Target"`
	DesiredUnits  int             `json:"desired_units" validate:"gt=0"`
	ForcedInclude []string        `json:"forced_include" validate:"dive,batchkey"`
	ForcedExclude []string        `json:"forced_exclude" validate:"dive,batchkey"`
	Provenance    string          `json:"provenance" validate:"omitempty,oneof=internal external"`
	FiscalYear    *int            `json:"fiscal_year" validate:"omitempty,gte=1900,lte=9999"`
	Seed          *uint64         `json:"seed"`
}

// AllocationDTO is one selected batch. Units is what the commit request echoes.
type AllocationDTO struct {
	Batch  BatchDTO `json:"batch"`
	Units  int      `json:"units"`
	Forced bool     `json:"forced"`
}

type FindingDTO struct {
	Attribute string `json:"attribute"`
	Satisfied bool   `json:"satisfied"`
	Message   string `json:"message"`
}

type NoticeDTO struct {
	Code    string   `json:"code"`
	Batches []string `json:"batches,omitempty"`
	Message string   `json:"message"`
}

// AveragesDTO is the realized quality of a selection.
type AveragesDTO struct {
	Numeric     map[string]float64 `json:"numeric"`
	Categorical map[string]string  `json:"categorical,omitempty"`
}

// ProposalDTO is the optimizer output. Target is the normalized target JSON,
// ready to be sent back with the commit request.
type ProposalDTO struct {
	Strategy       string          `json:"strategy"`
	Allocations    []AllocationDTO `json:"allocations"`
	Averages       AveragesDTO     `json:"averages"`
	Findings       []FindingDTO    `json:"findings"`
	Notices        []NoticeDTO     `json:"notices"`
	RequestedUnits int             `json:"requested_units"`
	AllocatedUnits int             `json:"allocated_units"`
	Satisfied      bool            `json:"satisfied"`
	Target         json.RawMessage `json:"target"`
}

// =============================================================================
// BLENDS
// =============================================================================

// AllocationInput names a batch to consume and its units. Units must equal
// the configured allocation unit.
type AllocationInput struct {
	Batch string `json:"batch" validate:"required,batchkey"`
	Units int    `json:"units" validate:"gt=0"`
}

// CommitBlendRequest commits a reviewed proposal under a lot id.
type CommitBlendRequest struct {
	LotID       string            `json:"lot_id" validate:"required,max=64"`
	Allocations []AllocationInput `json:"allocations" validate:"required,min=1,dive"`
	Target      json.RawMessage   `json:"target"`
	Notes       string            `json:"notes" validate:"max=2000"`
	CreatedBy   string            `json:"created_by" validate:"max=128"`
}

type BlendItemDTO struct {
	Batch    string   `json:"batch"`
	Units    int      `json:"units"`
	Snapshot BatchDTO `json:"snapshot"`
}

// BlendDTO represents a committed blend. Deletable and DeleteDeadline come
// from the retention window at response time.
type BlendDTO struct {
	ID             string          `json:"id"`
	Serial         int64           `json:"serial"`
	LotID          string          `json:"lot_id"`
	Status         string          `json:"status"`
	Items          []BlendItemDTO  `json:"items"`
	TotalUnits     int             `json:"total_units"`
	TotalWeightKg  string          `json:"total_weight_kg"`
	Averages       AveragesDTO     `json:"averages"`
	Target         json.RawMessage `json:"target,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      string          `json:"created_at"`
	Deletable      bool            `json:"deletable"`
	DeleteDeadline string          `json:"delete_deadline"`
}

// CommitBlendResponse is returned by POST /api/blends.
type CommitBlendResponse struct {
	ID    string   `json:"id"`
	Blend BlendDTO `json:"blend"`
}

// =============================================================================
// PRESETS AND SCENARIOS
// =============================================================================

type PresetDTO struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Target      json.RawMessage `json:"target"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBatchDTO(b quality.Batch) BatchDTO {
	dto := BatchDTO{
		Key:        b.Key.String(),
		Provenance: string(b.Key.Provenance),
		Number:     b.Key.Number,
		Numeric:    make(map[string]float64, len(b.Numeric)),
		State:      string(b.State),
		Supplier:   b.Supplier,
		ConsumedBy: b.ConsumedBy,
		ProducedAt: formatDate(b.ProducedAt),
	}
	for attr, v := range b.Numeric {
		dto.Numeric[string(attr)] = v
	}
	if len(b.Categorical) > 0 {
		dto.Categorical = make(map[string]string, len(b.Categorical))
		for attr, v := range b.Categorical {
			dto.Categorical[string(attr)] = v
		}
	}
	if b.ConsumedAt != nil {
		dto.ConsumedAt = b.ConsumedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toAveragesDTO(a quality.Averages) AveragesDTO {
	dto := AveragesDTO{Numeric: make(map[string]float64, len(a.Numeric))}
	for attr, v := range a.Numeric {
		dto.Numeric[string(attr)] = v
	}
	if len(a.Categorical) > 0 {
		dto.Categorical = make(map[string]string, len(a.Categorical))
		for attr, v := range a.Categorical {
			dto.Categorical[string(attr)] = v
		}
	}
	return dto
}

func toProposalDTO(p optimizer.Proposal, target json.RawMessage) ProposalDTO {
	dto := ProposalDTO{
		Strategy:       string(p.Strategy),
		Allocations:    make([]AllocationDTO, len(p.Allocations)),
		Averages:       toAveragesDTO(p.Averages),
		Findings:       make([]FindingDTO, len(p.Findings)),
		Notices:        make([]NoticeDTO, len(p.Notices)),
		RequestedUnits: p.RequestedUnits,
		AllocatedUnits: p.AllocatedUnits,
		Satisfied:      p.Satisfied,
		Target:         target,
	}
	for i, a := range p.Allocations {
		dto.Allocations[i] = AllocationDTO{Batch: toBatchDTO(a.Batch), Units: a.Units, Forced: a.Forced}
	}
	for i, f := range p.Findings {
		dto.Findings[i] = FindingDTO{Attribute: string(f.Attribute), Satisfied: f.Satisfied, Message: f.Message}
	}
	for i, n := range p.Notices {
		nd := NoticeDTO{Code: string(n.Code), Message: n.Message}
		for _, k := range n.Batches {
			nd.Batches = append(nd.Batches, k.String())
		}
		dto.Notices[i] = nd
	}
	return dto
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
