// Package timeline emits correlated audit events for pipeline runs.
// Events carry a deterministic idempotency key, so replays after a
// crash or retry never duplicate a timeline entry.
package timeline

import (
	"time"

	"MetalFlow/internal/domain"
)

// Event types covering the run lifecycle and read-model materializations.
const (
	EventRunRequested = "FINANCE_PIPELINE_RUN_REQUESTED"
	EventRunStarted   = "FINANCE_PIPELINE_RUN_STARTED"
	EventRunCompleted = "FINANCE_PIPELINE_RUN_COMPLETED"
	EventRunFailed    = "FINANCE_PIPELINE_RUN_FAILED"

	EventMtmSnapshotCreated = "MTM_SNAPSHOT_CREATED"
	EventPnlSnapshotCreated = "PNL_SNAPSHOT_CREATED"
)

const (
	VisibilityInternal = "internal"

	SubjectRun = "pipeline_run"
)

// Event is one timeline record. IdempotencyKey must be deterministic
// per occurrence; CorrelationID ties the record back to its run.
type Event struct {
	Type           string         `json:"event_type"`
	SubjectType    string         `json:"subject_type"`
	SubjectID      string         `json:"subject_id"`
	CorrelationID  string         `json:"correlation_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Visibility     string         `json:"visibility"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// RunEvent builds a lifecycle event for a run. The idempotency key is
// a pure function of (event type, inputs hash): re-emitting after a
// retry dedupes at the broker.
func RunEvent(eventType, runID, inputsHash string, at time.Time, payload map[string]any) Event {
	return Event{
		Type:           eventType,
		SubjectType:    SubjectRun,
		SubjectID:      runID,
		CorrelationID:  inputsHash,
		IdempotencyKey: "finance_pipeline:" + eventType + ":" + inputsHash,
		Visibility:     VisibilityInternal,
		OccurredAt:     at,
		Payload:        payload,
	}
}

// SnapshotEvent builds a materialization event for one contract row.
func SnapshotEvent(eventType, contractID string, asOf domain.Date, inputsHash string, at time.Time) Event {
	return Event{
		Type:           eventType,
		SubjectType:    "contract",
		SubjectID:      contractID,
		CorrelationID:  inputsHash,
		IdempotencyKey: "finance_pipeline:" + eventType + ":" + inputsHash + ":" + contractID + ":" + asOf.String(),
		Visibility:     VisibilityInternal,
		OccurredAt:     at,
		Payload:        map[string]any{"as_of_date": asOf.String()},
	}
}
