package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the type of a real-time dashboard event.
type EventKind string

const (
	EventInstanceStatusChanged EventKind = "INSTANCE_STATUS_CHANGED"
	EventWorkflowDelta         EventKind = "WORKFLOW_DELTA"
	EventAnalysisCompleted     EventKind = "ANALYSIS_COMPLETED"
)

// Event is a state-change notification pushed to connected dashboard clients.
// Delivery is best-effort: a disconnected subscriber misses events and is
// expected to reconcile via a full-state fetch on reconnect.
type Event struct {
	Kind       EventKind `json:"kind"`
	OwnerID    uuid.UUID `json:"owner_id"`
	InstanceID uuid.UUID `json:"instance_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
