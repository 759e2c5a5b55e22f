// Package connector wraps calls to a single remote automation instance with
// uniform error classification.
package connector

import (
	"context"
	"time"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

// WorkflowSnapshot is the remote instance's view of one workflow.
type WorkflowSnapshot struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ExecutionSnapshot is the remote instance's view of one workflow run.
type ExecutionSnapshot struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflowId"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// failureStatuses are the remote execution states treated as failures.
var failureStatuses = map[string]bool{
	"error":   true,
	"crashed": true,
	"failed":  true,
}

// Failed returns true if the execution ended in a failure state.
func (e *ExecutionSnapshot) Failed() bool {
	return failureStatuses[e.Status]
}

// ProbeOutcome classifies the result of a health probe.
type ProbeOutcome string

const (
	ProbeHealthy      ProbeOutcome = "healthy"
	ProbeUnreachable  ProbeOutcome = "unreachable"
	ProbeAuthRejected ProbeOutcome = "auth_rejected"
)

// Connector is the capability interface over one remote automation engine.
// All operations respect the caller-supplied context deadline; a timed-out
// operation fails as Unreachable. Implementations exist per remote protocol
// version and are swapped by construction.
type Connector interface {
	// Probe performs a health check. The outcome is always valid; err carries
	// detail when the outcome is not ProbeHealthy.
	Probe(ctx context.Context, instance *models.Instance) (ProbeOutcome, error)

	// ListWorkflows fetches the instance's workflow definitions.
	ListWorkflows(ctx context.Context, instance *models.Instance) ([]WorkflowSnapshot, error)

	// ListRecentExecutions fetches executions started after since.
	ListRecentExecutions(ctx context.Context, instance *models.Instance, since time.Time) ([]ExecutionSnapshot, error)
}
