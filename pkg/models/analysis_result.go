package models

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisResult holds one AI diagnosis of a failed execution. Results are
// immutable once written; re-analysis creates a new row rather than mutating
// the old one, so the audit trail of what the model said is preserved.
type AnalysisResult struct {
	ID               uuid.UUID `json:"id"`
	FailureID        uuid.UUID `json:"failure_id"`
	Diagnosis        string    `json:"diagnosis"`
	SuggestedFix     string    `json:"suggested_fix"`
	ModelTag         string    `json:"model_tag"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	GeneratedAt      time.Time `json:"generated_at"`
}
