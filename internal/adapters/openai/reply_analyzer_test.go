package openai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/utils"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func reply(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func newAnalyzer(c chatCompleter) *ReplyAnalyzer {
	logger := zap.NewNop()
	return NewReplyAnalyzer(c, "gpt-4o-mini", 200, 0.1, 0.9, 1000, logger, utils.NewTextProcessor(logger))
}

func TestAnalyzeReply(t *testing.T) {
	m := &mockCompleter{}
	m.On("CreateChatCompletion", mock.Anything, mock.MatchedBy(func(req openai.ChatCompletionRequest) bool {
		return len(req.Messages) == 2 &&
			strings.Contains(req.Messages[1].Content, "Please take me off your list.") &&
			req.ResponseFormat != nil &&
			req.ResponseFormat.Type == openai.ChatCompletionResponseFormatTypeJSONObject
	})).Return(reply(`{"intent":"unsubscribe","confidence":0.95,"explanation":"asks to be removed"}`), nil).Once()

	intent, err := newAnalyzer(m).AnalyzeReply(context.Background(), &core.InboundMessage{
		From:    "lead@example.org",
		Subject: "Re: intro",
		Body:    "Please take me off your list.",
	})
	require.NoError(t, err)
	assert.Equal(t, core.IntentUnsubscribe, intent.Intent)
	assert.InDelta(t, 0.95, intent.Confidence, 1e-9)
	assert.Equal(t, "gpt-4o-mini", intent.ModelUsed)
	m.AssertExpectations(t)
}

func TestAnalyzeReplyErrors(t *testing.T) {
	msg := &core.InboundMessage{Body: "hi"}

	failing := &mockCompleter{}
	failing.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(openai.ChatCompletionResponse{}, errors.New("rate limited"))
	_, err := newAnalyzer(failing).AnalyzeReply(context.Background(), msg)
	assert.Error(t, err)

	garbled := &mockCompleter{}
	garbled.On("CreateChatCompletion", mock.Anything, mock.Anything).Return(reply("not json"), nil)
	_, err = newAnalyzer(garbled).AnalyzeReply(context.Background(), msg)
	assert.Error(t, err)
}
