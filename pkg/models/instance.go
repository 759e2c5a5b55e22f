package models

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus represents the connection state of a remote automation instance.
// State machine:
//
//	pending → connected
//	connected → disconnected (after 3 consecutive unreachable probes)
//	disconnected → connected (single successful probe)
//	any → error (auth rejected)
//	error → pending (explicit reconnect only)
type InstanceStatus string

const (
	InstanceStatusPending      InstanceStatus = "pending"
	InstanceStatusConnected    InstanceStatus = "connected"
	InstanceStatusDisconnected InstanceStatus = "disconnected"
	InstanceStatusError        InstanceStatus = "error"
)

// ValidInstanceStatuses contains all valid status values.
var ValidInstanceStatuses = []InstanceStatus{
	InstanceStatusPending,
	InstanceStatusConnected,
	InstanceStatusDisconnected,
	InstanceStatusError,
}

// IsValidInstanceStatus checks if the given status is valid.
func IsValidInstanceStatus(s InstanceStatus) bool {
	for _, v := range ValidInstanceStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransitionTo returns true if transitioning from this status to the target is valid.
// The error state is sticky: nothing leaves it except an explicit reconnect,
// which resets the instance to pending.
func (s InstanceStatus) CanTransitionTo(target InstanceStatus) bool {
	if s == InstanceStatusError {
		return target == InstanceStatusPending
	}

	// Auth rejection forces error from any non-error state.
	if target == InstanceStatusError {
		return true
	}

	switch s {
	case InstanceStatusPending:
		return target == InstanceStatusConnected || target == InstanceStatusDisconnected
	case InstanceStatusConnected:
		return target == InstanceStatusDisconnected
	case InstanceStatusDisconnected:
		return target == InstanceStatusConnected
	default:
		return false
	}
}

// DisconnectThreshold is the number of consecutive unreachable probe outcomes
// after which a connected instance is marked disconnected.
const DisconnectThreshold = 3

// Instance is a remotely-hosted automation engine registered for monitoring.
// Status is mutated only by the registry's probe cycle or an explicit
// user-triggered reconnect.
type Instance struct {
	ID                  uuid.UUID      `json:"id"`
	OwnerID             uuid.UUID      `json:"owner_id"`
	Name                string         `json:"name"`
	Endpoint            string         `json:"endpoint"`
	APIKey              string         `json:"-"` // Credential - never serialized
	Status              InstanceStatus `json:"status"`
	ConsecutiveFailures int            `json:"-"`
	LastProbedAt        *time.Time     `json:"last_probed_at,omitempty"`
	LastSyncedAt        *time.Time     `json:"last_synced_at,omitempty"` // Execution watermark
	LastError           *string        `json:"last_error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Syncable returns true if the instance should participate in sync passes.
func (i *Instance) Syncable() bool {
	return i.Status == InstanceStatusConnected
}
