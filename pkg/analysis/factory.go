package analysis

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/config"
)

// NewDiagnosisClient constructs the diagnosis client selected by config.
func NewDiagnosisClient(cfg *config.AIConfig, logger *zap.Logger) (DiagnosisClient, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cfg, logger)
	case "anthropic":
		return NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}
