package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"MetalFlow/internal/domain"
)

// Status is the shared Run/Step state machine. Transitions are
// forward-only: a terminal status is never re-entered.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	// StatusSkipped marks a step the run configuration excluded
	// (exports with emit_exports=false). Terminal.
	StatusSkipped Status = "skipped"
)

// statusOrder defines the forward direction. Equal-or-lower targets are
// rejected except for the no-op same-status case handled by callers.
var statusOrder = map[Status]int{
	StatusQueued:  0,
	StatusRunning: 1,
	StatusDone:    2,
	StatusFailed:  2,
	StatusSkipped: 2,
}

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// ErrBackwardTransition rejects an attempt to move a Run or Step
// against the forward-only direction.
type ErrBackwardTransition struct {
	From, To Status
}

func (e *ErrBackwardTransition) Error() string {
	return fmt.Sprintf("pipeline: illegal transition %s -> %s", e.From, e.To)
}

// CanTransition validates a forward-only move. queued->failed is legal
// (validation errors fail a run before it starts).
func CanTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("pipeline: unknown status %q -> %q", from, to)
	}
	if from.Terminal() {
		return &ErrBackwardTransition{From: from, To: to}
	}
	if statusOrder[to] <= statusOrder[from] {
		return &ErrBackwardTransition{From: from, To: to}
	}
	return nil
}

// Run is one attempt to materialize the pipeline for a canonical input.
type Run struct {
	ID              string
	PipelineVersion string
	AsOf            domain.Date
	ScopeFilters    domain.ScopeFilters
	Mode            Mode
	EmitExports     bool
	InputsHash      string
	Status          Status
	RequestedBy     string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorCode       string
	ErrorMessage    string
	CreatedAt       time.Time
}

// Step is one named stage of a Run, unique per (run_id, step_name).
type Step struct {
	RunID        string
	Name         string
	Status       Status
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorCode    string
	ErrorMessage string
	Artifacts    Artifacts
}

// Artifacts is a structured pointer to what a step produced, persisted
// as JSONB next to the step row.
type Artifacts map[string]any

func (a Artifacts) JSON() ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}
