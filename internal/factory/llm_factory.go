package factory

import (
	"fmt"

	"github.com/mikey/warmup-engine/internal/config"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/utils"
	"go.uber.org/zap"
)

// LLMFactory creates reply intent analyzers
type LLMFactory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *LLMFactory {
	return &LLMFactory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateReplyAnalyzer creates the configured analyzer. Provider "none" returns
// nil, which turns reply intent analysis off.
func (f *LLMFactory) CreateReplyAnalyzer() (core.ReplyAnalyzer, error) {
	llmConfig := f.cfg.GetLLM()

	switch llmConfig.Provider {
	case "", "none":
		f.logger.Info("Reply intent analysis disabled")
		return nil, nil
	case "bedrock":
		return NewBedrockFactory(f.cfg, f.logger, f.textProcessor).CreateReplyAnalyzer()
	case "gemini":
		return NewGeminiFactory(f.cfg, f.logger, f.textProcessor).CreateReplyAnalyzer()
	case "openai":
		return NewOpenAIFactory(f.cfg, f.logger, f.textProcessor).CreateReplyAnalyzer()
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", llmConfig.Provider)
	}
}
