package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You classify customer support messages about order deliveries.
Reply with exactly one JSON object and nothing else, using these keys:
  intent: one of track_order, delivered_not_received, delivery_attempted, damaged,
          returned_to_sender, stuck_in_transit, delayed, address_issue, unknown
  extracted_order_id: the order id (a letter followed by digits, e.g. A1004) or null
  extracted_email: the customer's email address or null
  missing_fields: which of "order_id", "email" are still missing
  risk_flags: any of "repeat_claim", "high_value", "fraud_suspected"
  confidence: a number between 0 and 1
  suggested_next_action: one of ask_followup, retrieve, escalate
Use the conversation context and the previous intent when the new message is a short follow-up.`

// ModelConfig selects an OpenAI-compatible chat completion endpoint.
type ModelConfig struct {
	ModelID string
	BaseURL string
	APIKey  string
}

// ModelBackend asks an LLM for the intent JSON. Ollama serves the same
// protocol under /v1, which is the default base URL.
type ModelBackend struct {
	client  *openai.Client
	modelID string
}

func NewModelBackend(cfg ModelConfig) *ModelBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &ModelBackend{
		client:  openai.NewClientWithConfig(clientConfig),
		modelID: cfg.ModelID,
	}
}

func (b *ModelBackend) Name() string { return "model:" + b.modelID }

func (b *ModelBackend) Classify(ctx context.Context, in Input) (string, error) {
	userContent, err := renderUserMessage(in)
	if err != nil {
		return "", err
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userContent},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type promptTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func renderUserMessage(in Input) (string, error) {
	turns := make([]promptTurn, 0, len(in.Context))
	for _, t := range in.Context {
		turns = append(turns, promptTurn{Role: t.Role, Text: t.Text})
	}

	var lastIntent *string
	if in.LastIntent != "" {
		s := string(in.LastIntent)
		lastIntent = &s
	}

	payload, err := json.Marshal(struct {
		Message    string       `json:"message"`
		Context    []promptTurn `json:"context"`
		LastIntent *string      `json:"last_intent"`
	}{in.Message, turns, lastIntent})
	if err != nil {
		return "", fmt.Errorf("failed to render classifier input: %w", err)
	}
	return string(payload), nil
}
