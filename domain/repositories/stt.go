package repositories

import (
	"context"

	"github.com/novavoice/callpipe/domain/entities"
)

// AudioConfig describes the audio handed to a recognizer.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// SpeechToText abstracts the transcription service.
type SpeechToText interface {
	// Transcribe converts one complete utterance to a final transcript event.
	Transcribe(ctx context.Context, audio []byte, config AudioConfig) (entities.TranscriptEvent, error)
	// StartRecognizer opens an incremental recognition stream.
	StartRecognizer(ctx context.Context, config AudioConfig) (Recognizer, error)
}

// Recognizer is an incremental transcription stream. Send feeds audio;
// End closes the stream and returns the final transcript.
type Recognizer interface {
	Send(data []byte) error
	End() (entities.TranscriptEvent, error)
}
