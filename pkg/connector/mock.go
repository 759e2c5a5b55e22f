package connector

import (
	"context"
	"sync"
	"time"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

// MockConnector is a configurable mock for testing components that talk to
// remote instances. Set the function fields to control behavior in tests.
type MockConnector struct {
	// ProbeFunc is called when Probe is invoked.
	// If nil, returns ProbeHealthy and nil error.
	ProbeFunc func(ctx context.Context, instance *models.Instance) (ProbeOutcome, error)

	// ListWorkflowsFunc is called when ListWorkflows is invoked.
	// If nil, returns nil slice and nil error.
	ListWorkflowsFunc func(ctx context.Context, instance *models.Instance) ([]WorkflowSnapshot, error)

	// ListRecentExecutionsFunc is called when ListRecentExecutions is invoked.
	// If nil, returns nil slice and nil error.
	ListRecentExecutionsFunc func(ctx context.Context, instance *models.Instance, since time.Time) ([]ExecutionSnapshot, error)

	// Call tracking for verification. Guarded by mu: callers like the probe
	// fan-out invoke the mock concurrently.
	mu                        sync.Mutex
	ProbeCalls                int
	ListWorkflowsCalls        int
	ListRecentExecutionsCalls int
}

// NewMockConnector creates a new mock that reports every instance healthy.
func NewMockConnector() *MockConnector {
	return &MockConnector{}
}

// Probe implements Connector.
func (m *MockConnector) Probe(ctx context.Context, instance *models.Instance) (ProbeOutcome, error) {
	m.mu.Lock()
	m.ProbeCalls++
	m.mu.Unlock()
	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx, instance)
	}
	return ProbeHealthy, nil
}

// ListWorkflows implements Connector.
func (m *MockConnector) ListWorkflows(ctx context.Context, instance *models.Instance) ([]WorkflowSnapshot, error) {
	m.mu.Lock()
	m.ListWorkflowsCalls++
	m.mu.Unlock()
	if m.ListWorkflowsFunc != nil {
		return m.ListWorkflowsFunc(ctx, instance)
	}
	return nil, nil
}

// ListRecentExecutions implements Connector.
func (m *MockConnector) ListRecentExecutions(ctx context.Context, instance *models.Instance, since time.Time) ([]ExecutionSnapshot, error) {
	m.mu.Lock()
	m.ListRecentExecutionsCalls++
	m.mu.Unlock()
	if m.ListRecentExecutionsFunc != nil {
		return m.ListRecentExecutionsFunc(ctx, instance, since)
	}
	return nil, nil
}

// Ensure MockConnector implements Connector at compile time.
var _ Connector = (*MockConnector)(nil)
