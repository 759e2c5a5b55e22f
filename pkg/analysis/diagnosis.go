// Package analysis runs AI-assisted diagnosis of failed workflow executions.
// It owns the job lifecycle: analysis status transitions from queued onward
// and the immutable result rows.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

// DiagnosisRequest carries everything the reasoning model needs about one
// failed execution.
type DiagnosisRequest struct {
	WorkflowName     string
	WorkflowRemoteID string
	ExecutionID      string
	ErrorPayload     string
}

// DiagnosisResult is the model's verdict on one failure.
type DiagnosisResult struct {
	Diagnosis        string
	SuggestedFix     string
	ModelTag         string
	PromptTokens     int
	CompletionTokens int
}

// DiagnosisClient is the capability interface over one AI reasoning backend.
// Implementations classify their errors: transient backend trouble must be
// distinguishable from permanent request problems via IsRetryable.
type DiagnosisClient interface {
	Diagnose(ctx context.Context, req *DiagnosisRequest) (*DiagnosisResult, error)
}

// systemPrompt frames the model as a workflow-automation debugging assistant.
const systemPrompt = `You are an expert at diagnosing failures in workflow automation systems.
Given the error output of a failed workflow execution, identify the most likely root cause
and suggest a concrete fix. Respond with a JSON object containing exactly two string fields:
"diagnosis" and "suggested_fix". Keep both under 200 words.`

// maxErrorPayloadChars bounds how much raw error output is sent to the model.
const maxErrorPayloadChars = 8000

// buildUserPrompt renders the failure context for the model.
func buildUserPrompt(req *DiagnosisRequest) string {
	payload := req.ErrorPayload
	if len(payload) > maxErrorPayloadChars {
		payload = payload[:maxErrorPayloadChars] + "\n[truncated]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s (id %s)\n", req.WorkflowName, req.WorkflowRemoteID)
	fmt.Fprintf(&b, "Execution: %s\n\n", req.ExecutionID)
	b.WriteString("Error output:\n")
	b.WriteString(payload)
	return b.String()
}

// parseDiagnosis extracts the structured verdict from a model completion.
// Models occasionally wrap JSON in markdown fences or prepend prose; a
// completion with no parseable JSON becomes a plain-text diagnosis.
func parseDiagnosis(completion string) (diagnosis, suggestedFix string) {
	text := strings.TrimSpace(completion)
	if stripped, ok := strings.CutPrefix(text, "```json"); ok {
		text = stripped
	} else if stripped, ok := strings.CutPrefix(text, "```"); ok {
		text = stripped
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var parsed struct {
			Diagnosis    string `json:"diagnosis"`
			SuggestedFix string `json:"suggested_fix"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err == nil && parsed.Diagnosis != "" {
			return parsed.Diagnosis, parsed.SuggestedFix
		}
	}
	return strings.TrimSpace(completion), ""
}

// requestFor assembles a diagnosis request from a failure record and its
// workflow's display name. The name may be empty when the workflow was
// removed before analysis ran.
func requestFor(failure *models.ExecutionFailure, workflowName string) *DiagnosisRequest {
	return &DiagnosisRequest{
		WorkflowName:     workflowName,
		WorkflowRemoteID: failure.WorkflowRemoteID,
		ExecutionID:      failure.ExecutionID,
		ErrorPayload:     failure.ErrorPayload,
	}
}
