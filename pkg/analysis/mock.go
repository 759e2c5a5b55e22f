package analysis

import (
	"context"
	"sync"
)

// MockDiagnosisClient is a configurable mock for testing queue behavior.
// Set DiagnoseFunc to control responses; calls are counted under a mutex
// because workers invoke the mock concurrently.
type MockDiagnosisClient struct {
	DiagnoseFunc func(ctx context.Context, req *DiagnosisRequest) (*DiagnosisResult, error)

	mu            sync.Mutex
	DiagnoseCalls int
}

// NewMockDiagnosisClient creates a mock that returns a canned verdict.
func NewMockDiagnosisClient() *MockDiagnosisClient {
	return &MockDiagnosisClient{}
}

// Diagnose implements DiagnosisClient.
func (m *MockDiagnosisClient) Diagnose(ctx context.Context, req *DiagnosisRequest) (*DiagnosisResult, error) {
	m.mu.Lock()
	m.DiagnoseCalls++
	m.mu.Unlock()
	if m.DiagnoseFunc != nil {
		return m.DiagnoseFunc(ctx, req)
	}
	return &DiagnosisResult{
		Diagnosis:    "mock diagnosis",
		SuggestedFix: "mock fix",
		ModelTag:     "mock-model",
	}, nil
}

// Calls returns the number of Diagnose invocations.
func (m *MockDiagnosisClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DiagnoseCalls
}

// Ensure MockDiagnosisClient implements DiagnosisClient at compile time.
var _ DiagnosisClient = (*MockDiagnosisClient)(nil)
