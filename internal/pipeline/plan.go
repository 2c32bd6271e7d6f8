// Package pipeline sequences the valuation, P&L, cashflow and risk
// flag engines into steps of an idempotent run. Every run is keyed by
// the canonical digest of its request, so identical requests always
// resolve to the same Run row.
package pipeline

import (
	"errors"
	"fmt"

	"MetalFlow/internal/canonical"
	"MetalFlow/internal/domain"
)

// runSchemaVersion versions the hashed request payload. Bump it when
// the payload shape changes so old hashes never collide with new ones.
const runSchemaVersion = "finance.pipeline.daily.run.v1"

// Mode selects whether a run persists its outputs.
type Mode string

const (
	ModeMaterialize Mode = "materialize"
	ModeDryRun      Mode = "dry_run"
)

func (m Mode) Valid() bool {
	return m == ModeMaterialize || m == ModeDryRun
}

// Step names in fixed execution order. The order is part of the run
// contract: downstream steps consume upstream outputs.
const (
	StepMarketSnapshotResolve = "market_snapshot_resolve"
	StepMtmSnapshot           = "mtm_snapshot"
	StepPnlSnapshot           = "pnl_snapshot"
	StepCashflowBaseline      = "cashflow_baseline"
	StepRiskFlags             = "risk_flags"
	StepExports               = "exports"
)

// OrderedSteps returns the fixed step sequence for a run.
func OrderedSteps() []string {
	return []string{
		StepMarketSnapshotResolve,
		StepMtmSnapshot,
		StepPnlSnapshot,
		StepCashflowBaseline,
		StepRiskFlags,
		StepExports,
	}
}

// ErrValidation marks a malformed run request. Rejected synchronously;
// no Run row is created.
var ErrValidation = errors.New("pipeline: invalid request")

// RunRequest is the full input of a pipeline run. Every field below
// except RequestedBy participates in the inputs hash.
type RunRequest struct {
	PipelineVersion string              `json:"pipeline_version"`
	AsOf            domain.Date         `json:"as_of_date"`
	ScopeFilters    domain.ScopeFilters `json:"scope_filters"`
	Mode            Mode                `json:"mode"`
	EmitExports     bool                `json:"emit_exports"`

	// RequestedBy is audit metadata, not a run input: the same logical
	// request from two callers is still the same run.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Normalize applies defaults in place.
func (r *RunRequest) Normalize() {
	if r.Mode == "" {
		r.Mode = ModeMaterialize
	}
	if r.PipelineVersion == "" {
		r.PipelineVersion = "v1"
	}
}

// Validate rejects malformed requests before any Run row exists.
func (r RunRequest) Validate() error {
	if r.AsOf.IsZero() {
		return fmt.Errorf("%w: as_of_date is required", ErrValidation)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, r.Mode)
	}
	return nil
}

// InputsHash computes the canonical digest identifying the request's
// logical content.
func (r RunRequest) InputsHash() (string, error) {
	payload := map[string]any{
		"version":          runSchemaVersion,
		"pipeline_version": r.PipelineVersion,
		"as_of_date":       r.AsOf.String(),
		"scope_filters":    r.ScopeFilters.Canonical(),
		"mode":             string(r.Mode),
		"emit_exports":     r.EmitExports,
	}
	return canonical.Hash(payload)
}

// Plan is the ephemeral dry-run output: what a materializing run with
// this request would execute, without writing anything.
type Plan struct {
	InputsHash   string   `json:"inputs_hash"`
	Mode         Mode     `json:"mode"`
	OrderedSteps []string `json:"ordered_steps"`
}
