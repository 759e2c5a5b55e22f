package models

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisStatus represents the diagnosis lifecycle of a failed execution.
// State machine:
//
//	unanalyzed → queued → analyzing → analyzed
//	                          ↓
//	                        failed
//
//	analyzed/failed → queued (manual re-analysis)
type AnalysisStatus string

const (
	AnalysisStatusUnanalyzed AnalysisStatus = "unanalyzed"
	AnalysisStatusQueued     AnalysisStatus = "queued"
	AnalysisStatusAnalyzing  AnalysisStatus = "analyzing"
	AnalysisStatusAnalyzed   AnalysisStatus = "analyzed"
	AnalysisStatusFailed     AnalysisStatus = "failed"
)

// ValidAnalysisStatuses contains all valid status values.
var ValidAnalysisStatuses = []AnalysisStatus{
	AnalysisStatusUnanalyzed,
	AnalysisStatusQueued,
	AnalysisStatusAnalyzing,
	AnalysisStatusAnalyzed,
	AnalysisStatusFailed,
}

// IsValidAnalysisStatus checks if the given status is valid.
func IsValidAnalysisStatus(s AnalysisStatus) bool {
	for _, v := range ValidAnalysisStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is a terminal state (analyzed or failed).
func (s AnalysisStatus) IsTerminal() bool {
	return s == AnalysisStatusAnalyzed || s == AnalysisStatusFailed
}

// CanTransitionTo returns true if transitioning from this status to the target is valid.
func (s AnalysisStatus) CanTransitionTo(target AnalysisStatus) bool {
	switch s {
	case AnalysisStatusUnanalyzed:
		return target == AnalysisStatusQueued
	case AnalysisStatusQueued:
		return target == AnalysisStatusAnalyzing || target == AnalysisStatusUnanalyzed
	case AnalysisStatusAnalyzing:
		// Unanalyzed is the restart sweep resetting a job the previous
		// process never finished.
		return target == AnalysisStatusAnalyzed || target == AnalysisStatusFailed ||
			target == AnalysisStatusUnanalyzed
	case AnalysisStatusAnalyzed, AnalysisStatusFailed:
		// Terminal until a manual re-analysis is requested.
		return target == AnalysisStatusQueued
	default:
		return false
	}
}

// ExecutionFailure captures one failed workflow execution observed on a
// remote instance. Created by the sync engine; analysis status transitions
// are driven exclusively by the analysis queue.
type ExecutionFailure struct {
	ID               uuid.UUID      `json:"id"`
	InstanceID       uuid.UUID      `json:"instance_id"`
	WorkflowRemoteID string         `json:"workflow_remote_id"`
	ExecutionID      string         `json:"execution_id"`
	ErrorPayload     string         `json:"error_payload"`
	DetectedAt       time.Time      `json:"detected_at"`
	AnalysisStatus   AnalysisStatus `json:"analysis_status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
