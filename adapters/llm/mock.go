package llm

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
)

// MockLanguageModel is an offline stand-in that echoes a canned reply as a
// delta stream.
type MockLanguageModel struct {
	logger *zap.Logger
}

// NewMockLanguageModel creates a mock language model.
func NewMockLanguageModel(logger *zap.Logger) repositories.LanguageModel {
	return &MockLanguageModel{logger: logger}
}

// StreamResponse streams a canned reply word by word.
func (m *MockLanguageModel) StreamResponse(ctx context.Context, history []repositories.ChatMessage, prompt string) (<-chan entities.ResponseDelta, <-chan error, error) {
	m.logger.Info("Generating mock response",
		zap.String("prompt", prompt),
		zap.Int("historyLength", len(history)))

	reply := "I heard you say: " + prompt
	words := strings.SplitAfter(reply, " ")

	deltas := make(chan entities.ResponseDelta, len(words))
	errs := make(chan error)
	go func() {
		defer close(deltas)
		defer close(errs)
		for i, word := range words {
			select {
			case deltas <- entities.ResponseDelta{Index: i, Text: word}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return deltas, errs, nil
}
