package factory

import (
	"context"

	"github.com/mikey/warmup-engine/internal/adapters/bedrock"
	"github.com/mikey/warmup-engine/internal/config"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/utils"
	"go.uber.org/zap"
)

// BedrockFactory creates Bedrock reply analyzers
type BedrockFactory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewBedrockFactory creates a new Bedrock factory
func NewBedrockFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *BedrockFactory {
	return &BedrockFactory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateReplyAnalyzer creates a Bedrock reply analyzer
func (f *BedrockFactory) CreateReplyAnalyzer() (core.ReplyAnalyzer, error) {
	bedrockCfg := f.cfg.GetBedrock()

	client, err := bedrock.NewClient(context.Background(), bedrockCfg.Region)
	if err != nil {
		return nil, err
	}

	return bedrock.NewReplyAnalyzer(
		client,
		bedrockCfg.ModelID,
		bedrockCfg.MaxTokens,
		bedrockCfg.Temperature,
		bedrockCfg.TopP,
		bedrockCfg.MaxBodySize,
		f.logger,
		f.textProcessor,
	), nil
}
