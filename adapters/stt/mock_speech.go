package stt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
)

// MockSpeechToText is an offline stand-in for the recognition service.
type MockSpeechToText struct {
	logger *zap.Logger
}

// NewMockSpeechToText creates a mock speech-to-text service.
func NewMockSpeechToText(logger *zap.Logger) repositories.SpeechToText {
	return &MockSpeechToText{logger: logger}
}

// Transcribe returns a canned transcript scaled to the audio size.
func (s *MockSpeechToText) Transcribe(ctx context.Context, audio []byte, config repositories.AudioConfig) (entities.TranscriptEvent, error) {
	s.logger.Info("Processing mock speech-to-text",
		zap.Int("audioSize", len(audio)),
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding))

	if len(audio) == 0 {
		return entities.TranscriptEvent{}, fmt.Errorf("no audio data received")
	}
	return entities.TranscriptEvent{
		Text:     mockTranscript(len(audio)),
		Final:    true,
		Language: config.Language,
	}, nil
}

// StartRecognizer opens a mock streaming session.
func (s *MockSpeechToText) StartRecognizer(ctx context.Context, config repositories.AudioConfig) (repositories.Recognizer, error) {
	return &mockRecognizer{language: config.Language}, nil
}

type mockRecognizer struct {
	language string
	received int
}

func (m *mockRecognizer) Send(data []byte) error {
	m.received += len(data)
	return nil
}

func (m *mockRecognizer) End() (entities.TranscriptEvent, error) {
	if m.received == 0 {
		return entities.TranscriptEvent{}, fmt.Errorf("no audio data received")
	}
	return entities.TranscriptEvent{
		Text:     mockTranscript(m.received),
		Final:    true,
		Language: m.language,
	}, nil
}

func mockTranscript(audioBytes int) string {
	switch {
	case audioBytes > 10000:
		return "Hello there, I have a longer question about my schedule today."
	case audioBytes > 5000:
		return "Thanks for listening."
	case audioBytes > 1000:
		return "Hello there!"
	default:
		return "Hi"
	}
}
