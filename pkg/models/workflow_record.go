package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowRecord is the locally cached view of a workflow hosted on a remote
// instance. The authoritative copy lives on the instance; records are mutated
// only by the sync engine's reconciliation. At most one record exists per
// (instance id, remote id).
type WorkflowRecord struct {
	ID              uuid.UUID  `json:"id"`
	InstanceID      uuid.UUID  `json:"instance_id"`
	RemoteID        string     `json:"remote_id"`
	Name            string     `json:"name"`
	Active          bool       `json:"active"`
	Removed         bool       `json:"removed"` // Soft removal - execution history stays referable
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
