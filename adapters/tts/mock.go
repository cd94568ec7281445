package tts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
)

// MockTextToSpeech emits short bursts of silence instead of real speech, one
// segment per word, so the playback path can run without an API key.
type MockTextToSpeech struct {
	logger *zap.Logger
}

// NewMockTextToSpeech creates a mock synthesizer.
func NewMockTextToSpeech(logger *zap.Logger) repositories.TextToSpeech {
	return &MockTextToSpeech{logger: logger}
}

// Synthesize emits one 100ms segment of 24kHz PCM silence per word.
func (m *MockTextToSpeech) Synthesize(ctx context.Context, text string) (<-chan entities.PlaybackSegment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	words := strings.Fields(text)
	m.logger.Info("Synthesizing mock audio", zap.Int("words", len(words)))

	segments := make(chan entities.PlaybackSegment, len(words))
	go func() {
		defer close(segments)
		for i := range words {
			segment := entities.PlaybackSegment{
				Index:      i,
				Data:       make([]byte, 4800), // 100ms of 24kHz 16-bit mono
				EnqueuedAt: time.Now(),
			}
			select {
			case segments <- segment:
			case <-ctx.Done():
				return
			}
		}
	}()
	return segments, nil
}
