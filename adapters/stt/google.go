// Package stt provides speech-to-text adapters. The production adapter
// speaks Google Cloud Speech; a mock is included for offline development.
package stt

import (
	"context"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
)

// GoogleSpeechToText implements SpeechToText using Google Cloud Speech.
type GoogleSpeechToText struct {
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates the adapter. Credentials come from the
// standard Google application-default mechanism.
func NewGoogleSpeechToText(logger *zap.Logger) *GoogleSpeechToText {
	return &GoogleSpeechToText{logger: logger}
}

// Transcribe recognizes one buffered utterance in a single exchange.
func (g *GoogleSpeechToText) Transcribe(ctx context.Context, audio []byte, config repositories.AudioConfig) (entities.TranscriptEvent, error) {
	recognizer, err := g.StartRecognizer(ctx, config)
	if err != nil {
		return entities.TranscriptEvent{}, err
	}
	if err := recognizer.Send(audio); err != nil {
		return entities.TranscriptEvent{}, err
	}
	return recognizer.End()
}

// StartRecognizer opens a streaming recognition session for one utterance.
func (g *GoogleSpeechToText) StartRecognizer(ctx context.Context, config repositories.AudioConfig) (repositories.Recognizer, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	encoding, err := audioEncoding(config.Encoding)
	if err != nil {
		stream.CloseSend()
		client.Close()
		return nil, err
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: int32(config.SampleRate),
					LanguageCode:    config.Language,
				},
				InterimResults:  false, // only final results feed the turn
				SingleUtterance: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	r := &googleRecognizer{
		client:   client,
		stream:   stream,
		ctx:      ctx,
		language: config.Language,
		results:  make(chan string, 1),
		errs:     make(chan error, 1),
	}
	go r.receive()
	return r, nil
}

type googleRecognizer struct {
	client   *speech.Client
	stream   speechpb.Speech_StreamingRecognizeClient
	ctx      context.Context
	language string
	sent     bool
	results  chan string
	errs     chan error
}

// Send forwards audio to the recognizer.
func (r *googleRecognizer) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r.sent = true
	if err := r.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// End closes the audio stream and waits for the final transcript.
func (r *googleRecognizer) End() (entities.TranscriptEvent, error) {
	defer r.client.Close()

	if !r.sent {
		return entities.TranscriptEvent{}, fmt.Errorf("no audio data received")
	}
	if err := r.stream.CloseSend(); err != nil {
		return entities.TranscriptEvent{}, fmt.Errorf("failed to close send stream: %w", err)
	}

	select {
	case <-r.ctx.Done():
		return entities.TranscriptEvent{}, fmt.Errorf("cancelled while waiting for transcript: %w", r.ctx.Err())
	case err := <-r.errs:
		return entities.TranscriptEvent{}, err
	case text := <-r.results:
		if text == "" {
			return entities.TranscriptEvent{}, fmt.Errorf("no speech detected in audio")
		}
		return entities.TranscriptEvent{Text: text, Final: true, Language: r.language}, nil
	}
}

func (r *googleRecognizer) receive() {
	var final string
	for {
		resp, err := r.stream.Recv()
		if err == io.EOF {
			r.results <- final
			return
		}
		if err != nil {
			r.errs <- fmt.Errorf("failed to receive response: %w", err)
			return
		}
		for _, result := range resp.Results {
			if result.IsFinal && len(result.Alternatives) > 0 {
				final = result.Alternatives[0].Transcript
			}
		}
	}
}

// audioEncoding converts string encoding to Google Speech API enum
func audioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
