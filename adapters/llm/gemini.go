// Package llm provides language-model adapters: Gemini over its native SDK
// and any OpenAI-compatible server (LM Studio, vLLM) over SSE.
package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
)

const (
	defaultGeminiModel     = "gemini-2.0-flash"
	defaultMaxOutputTokens = 1024
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey          string // Required
	Model           string
	Temperature     float32
	MaxOutputTokens int
}

// GeminiLanguageModel implements LanguageModel using Google's Gemini API.
// Deltas come from the SDK's native stream; there is no SSE on this wire.
type GeminiLanguageModel struct {
	client          *genai.Client
	logger          *zap.Logger
	model           string
	temperature     float32
	maxOutputTokens int
}

var _ repositories.LanguageModel = (*GeminiLanguageModel)(nil)

// NewGeminiLanguageModel creates a Gemini-backed language model.
func NewGeminiLanguageModel(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiLanguageModel, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if config.Model == "" {
		config.Model = defaultGeminiModel
		logger.Info("Using default model", zap.String("model", config.Model))
	}
	if config.MaxOutputTokens == 0 {
		config.MaxOutputTokens = defaultMaxOutputTokens
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiLanguageModel{
		client:          client,
		logger:          logger,
		model:           config.Model,
		temperature:     config.Temperature,
		maxOutputTokens: config.MaxOutputTokens,
	}, nil
}

// StreamResponse sends the transcript with its conversation history and
// streams the reply as indexed deltas.
func (g *GeminiLanguageModel) StreamResponse(ctx context.Context, history []repositories.ChatMessage, prompt string) (<-chan entities.ResponseDelta, <-chan error, error) {
	contents := historyToContents(history)
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(g.maxOutputTokens),
	}
	if g.temperature != 0 {
		config.Temperature = genai.Ptr(g.temperature)
	}

	deltas := make(chan entities.ResponseDelta, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		index := 0
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				errs <- fmt.Errorf("gemini stream failed: %w", err)
				return
			}
			text := responseText(resp)
			if text == "" {
				continue
			}
			select {
			case deltas <- entities.ResponseDelta{Index: index, Text: text}:
				index++
			case <-ctx.Done():
				return
			}
		}
	}()

	return deltas, errs, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text
}

// historyToContents converts conversation history to Gemini format.
func historyToContents(messages []repositories.ChatMessage) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := genai.Role(genai.RoleUser)
		if msg.Role == repositories.AssistantRole {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}
