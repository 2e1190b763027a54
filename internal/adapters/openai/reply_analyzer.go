package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/utils"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// chatCompleter is the part of the OpenAI client the analyzer calls
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

var _ core.ReplyAnalyzer = (*ReplyAnalyzer)(nil)

// ReplyAnalyzer classifies reply intent with an OpenAI chat model
type ReplyAnalyzer struct {
	client        chatCompleter
	modelName     string
	maxTokens     int
	temperature   float32
	topP          float32
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewReplyAnalyzer creates a new OpenAI reply analyzer
func NewReplyAnalyzer(
	client chatCompleter,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) *ReplyAnalyzer {
	return &ReplyAnalyzer{
		client:        client,
		modelName:     modelName,
		maxTokens:     maxTokens,
		temperature:   temperature,
		topP:          topP,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// NewClient creates the OpenAI API client
func NewClient(apiKey string) *openai.Client {
	return openai.NewClient(apiKey)
}

// AnalyzeReply asks the model what the replier wants
func (a *ReplyAnalyzer) AnalyzeReply(ctx context.Context, msg *core.InboundMessage) (*core.ReplyIntent, error) {
	prompt := a.textProcessor.FormatIntentPrompt(msg, a.maxBodySize)

	req := openai.ChatCompletionRequest{
		Model: a.modelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: utils.IntentSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		TopP:        a.topP,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion with OpenAI: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from OpenAI")
	}

	parsed, err := utils.ParseIntentResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Reply analyzed",
		zap.String("model", a.modelName),
		zap.String("intent", parsed.Intent),
		zap.Float64("confidence", parsed.Confidence))

	return &core.ReplyIntent{
		Intent:      parsed.Intent,
		Confidence:  parsed.Confidence,
		Explanation: parsed.Explanation,
		ModelUsed:   a.modelName,
		AnalyzedAt:  time.Now(),
	}, nil
}
