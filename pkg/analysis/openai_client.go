package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/config"
)

// OpenAIClient diagnoses failures through an OpenAI-compatible chat
// completion endpoint, including local vLLM and Ollama deployments.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIClient creates a diagnosis client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg *config.AIConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		logger: logger.Named("openai"),
	}, nil
}

// Diagnose implements DiagnosisClient.
func (c *OpenAIClient) Diagnose(ctx context.Context, req *DiagnosisRequest) (*DiagnosisResult, error) {
	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, NewTransientError("no choices in response", nil)
	}

	diagnosis, suggestedFix := parseDiagnosis(resp.Choices[0].Message.Content)

	c.logger.Info("diagnosis completed",
		zap.String("execution_id", req.ExecutionID),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &DiagnosisResult{
		Diagnosis:        diagnosis,
		SuggestedFix:     suggestedFix,
		ModelTag:         c.model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classifyOpenAIError maps SDK errors onto the classified Error type.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, "openai request failed", err)
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") {
		return NewPermanentError("authentication failed", err)
	}
	// Transport failures: the endpoint may come back.
	return NewTransientError("openai request failed", err)
}

// Ensure OpenAIClient implements DiagnosisClient at compile time.
var _ DiagnosisClient = (*OpenAIClient)(nil)
