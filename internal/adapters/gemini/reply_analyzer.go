package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

var _ core.ReplyAnalyzer = (*ReplyAnalyzer)(nil)

// ReplyAnalyzer classifies reply intent with Google Gemini
type ReplyAnalyzer struct {
	client        *genai.Client
	model         *genai.GenerativeModel
	modelName     string
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewReplyAnalyzer creates a new Gemini reply analyzer
func NewReplyAnalyzer(
	ctx context.Context,
	apiKey string,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) (*ReplyAnalyzer, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(temperature)
	model.SetTopP(topP)
	model.SetMaxOutputTokens(int32(maxTokens))
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(utils.IntentSystemPrompt))

	return &ReplyAnalyzer{
		client:        client,
		model:         model,
		modelName:     modelName,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}, nil
}

// Close closes the Gemini client
func (a *ReplyAnalyzer) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// AnalyzeReply asks the model what the replier wants
func (a *ReplyAnalyzer) AnalyzeReply(ctx context.Context, msg *core.InboundMessage) (*core.ReplyIntent, error) {
	prompt := a.textProcessor.FormatIntentPrompt(msg, a.maxBodySize)

	resp, err := a.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content with Gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	parsed, err := utils.ParseIntentResponse(text.String())
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
