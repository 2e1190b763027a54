package utils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mikey/warmup-engine/internal/core"
)

// IntentPromptFormat takes the sender, subject and body of a reply
const IntentPromptFormat = `You classify replies to sales outreach emails.
Read the reply below and decide what the sender wants.
Respond with a JSON object containing:
- intent: one of "interested", "not_interested", "unsubscribe", "neutral"
- confidence: number between 0 and 1 (how confident you are in your assessment)
- explanation: string (one sentence explaining the decision)

Use "unsubscribe" when the sender asks to stop receiving emails or to be removed.
Use "neutral" for out-of-office notes and replies without a clear position.

Reply:
From: %s
Subject: %s
Body:
%s

Respond only with the JSON object and nothing else.`

// IntentSystemPrompt is sent as the system message where a provider supports one
const IntentSystemPrompt = "You classify email replies. Respond only with JSON."

// IntentResponse is the structured answer expected from a model
type IntentResponse struct {
	Intent      string  `json:"intent"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// FormatIntentPrompt renders the prompt for one reply
func (tp *TextProcessor) FormatIntentPrompt(msg *core.InboundMessage, maxBodySize int) string {
	return fmt.Sprintf(IntentPromptFormat, msg.From, msg.Subject, tp.ProcessText(msg.Body, maxBodySize))
}

// ParseIntentResponse decodes a model answer, tolerating text around the JSON.
// Unknown intents become neutral and the confidence is clamped to [0, 1].
func ParseIntentResponse(text string) (*IntentResponse, error) {
	var resp IntentResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		obj, ok := ExtractJSONObject(text)
		if !ok {
			return nil, fmt.Errorf("failed to extract JSON from LLM response: %w", err)
		}
		if err := json.Unmarshal([]byte(obj), &resp); err != nil {
			return nil, fmt.Errorf("failed to parse LLM response as JSON: %w", err)
		}
	}

	resp.Intent = strings.ToLower(strings.TrimSpace(resp.Intent))
	switch resp.Intent {
	case core.IntentInterested, core.IntentNotInterested, core.IntentUnsubscribe, core.IntentNeutral:
	default:
		resp.Intent = core.IntentNeutral
	}
	if resp.Confidence < 0 {
		resp.Confidence = 0
	}
	if resp.Confidence > 1 {
		resp.Confidence = 1
	}
	return &resp, nil
}
