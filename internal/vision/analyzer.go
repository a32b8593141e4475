// Package vision delegates one-off image analysis to a chat-completion model.
package vision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"dispatch-relay-service/internal/models"
	"dispatch-relay-service/internal/observability/logging"
	"dispatch-relay-service/internal/observability/metrics"
)

const analysisPrompt = "Analyze this medical image/document. Identify: injuries, vital signs, " +
	"medical conditions, medications, allergies. Be very concise (1-2 sentences). " +
	"Focus on what is medically relevant."

// How many trailing conversation turns are passed along as context.
const historyContext = 5

// Config holds vision analyzer configuration.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string // optional override, used in tests
}

// Analyzer performs image analysis via a vision-capable chat model.
type Analyzer struct {
	client  *openai.Client
	model   string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an analyzer. Returns nil if no API key is configured; the relay
// treats a nil analyzer as "vision unavailable".
func New(cfg Config) *Analyzer {
	if cfg.APIKey == "" {
		return nil
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}
	return &Analyzer{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		log:     logging.WithComponent("vision"),
		metrics: metrics.DefaultMetrics,
	}
}

// Analyze sends the image plus recent conversation context to the vision model
// and returns a short textual assessment.
func (a *Analyzer) Analyze(ctx context.Context, imageData, mimeType string, history []models.HistoryTurn) (string, error) {
	if a == nil {
		return "", fmt.Errorf("vision analyzer not configured")
	}

	recent := history
	if len(recent) > historyContext {
		recent = recent[len(recent)-historyContext:]
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(recent)+1)
	for _, turn := range recent {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Text,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeText,
				Text: analysisPrompt,
			},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    fmt.Sprintf("data:%s;base64,%s", mimeType, imageData),
					Detail: openai.ImageURLDetailHigh,
				},
			},
		},
	})

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.model,
		Messages:  messages,
		MaxTokens: 300,
	})
	if err != nil {
		a.metrics.RecordVisionRequest("error")
		a.log.Warn().Err(err).Msg("Vision API call failed")
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		a.metrics.RecordVisionRequest("empty")
		return "Unable to analyze image", nil
	}

	a.metrics.RecordVisionRequest("ok")
	return resp.Choices[0].Message.Content, nil
}
