package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/config"
)

// maxCompletionTokens bounds the diagnosis completion length.
const maxCompletionTokens = 1024

// AnthropicClient diagnoses failures through the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
	logger *zap.Logger
}

// NewAnthropicClient creates a diagnosis client for the Anthropic API.
func NewAnthropicClient(cfg *config.AIConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(cfg.APIKey, opts...),
		model:  cfg.Model,
		logger: logger.Named("anthropic"),
	}, nil
}

// Diagnose implements DiagnosisClient.
func (c *AnthropicClient) Diagnose(ctx context.Context, req *DiagnosisRequest) (*DiagnosisResult, error) {
	start := time.Now()

	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		System:    systemPrompt,
		MaxTokens: maxCompletionTokens,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(buildUserPrompt(req)),
		},
	})
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	completion := ""
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			completion = *block.Text
			break
		}
	}
	if completion == "" {
		return nil, NewTransientError("no text content in response", nil)
	}

	diagnosis, suggestedFix := parseDiagnosis(completion)

	c.logger.Info("diagnosis completed",
		zap.String("execution_id", req.ExecutionID),
		zap.Int("prompt_tokens", resp.Usage.InputTokens),
		zap.Int("completion_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &DiagnosisResult{
		Diagnosis:        diagnosis,
		SuggestedFix:     suggestedFix,
		ModelTag:         c.model,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}, nil
}

// classifyAnthropicError maps SDK errors onto the classified Error type.
func classifyAnthropicError(err error) error {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.StatusCode, "anthropic request failed", err)
	}

	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsRateLimitErr(), apiErr.IsOverloadedErr(), apiErr.IsApiErr():
			return NewTransientError("anthropic request failed", err)
		default:
			return NewPermanentError("anthropic request rejected", err)
		}
	}

	return NewTransientError("anthropic request failed", err)
}

// Ensure AnthropicClient implements DiagnosisClient at compile time.
var _ DiagnosisClient = (*AnthropicClient)(nil)
