// Package tts provides speech synthesis adapters.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM" // Rachel voice
	defaultSegmentSize  = 4096
	defaultOutputFormat = "pcm_24000"
	defaultModelID      = "eleven_multilingual_v2"
	defaultStability    = 0.5
	defaultClarity      = 0.75
)

// ElevenLabsConfig configures the Eleven Labs adapter. Only APIKey is
// required; every other field falls back to a sensible default.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SegmentSize  int     // bytes of audio per playback segment
	Stability    float64 // 0..1
	Clarity      float64 // 0..1, maps to similarity_boost
}

// ElevenLabsTTS implements TextToSpeech against the Eleven Labs streaming
// endpoint. The response body is raw PCM; it is sliced into fixed-size
// segments with monotonic indexes as it arrives.
type ElevenLabsTTS struct {
	cfg    ElevenLabsConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.TextToSpeech = (*ElevenLabsTTS)(nil)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// NewElevenLabsTTS creates a new Eleven Labs TTS instance.
func NewElevenLabsTTS(cfg ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("eleven labs API key is required")
	}
	if cfg.Stability < 0 || cfg.Stability > 1 {
		return nil, fmt.Errorf("stability must be between 0 and 1, got %f", cfg.Stability)
	}
	if cfg.Clarity < 0 || cfg.Clarity > 1 {
		return nil, fmt.Errorf("clarity must be between 0 and 1, got %f", cfg.Clarity)
	}
	if cfg.SegmentSize < 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", cfg.SegmentSize)
	}

	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultVoiceID
		logger.Info("Using default voice ID", zap.String("voiceID", cfg.VoiceID))
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = defaultOutputFormat
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.Stability == 0 {
		cfg.Stability = defaultStability
	}
	if cfg.Clarity == 0 {
		cfg.Clarity = defaultClarity
	}

	return &ElevenLabsTTS{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}, nil
}

// Synthesize converts text to a stream of ordered playback segments. The
// request is issued synchronously so API rejections surface as an error
// instead of an empty stream; only body streaming happens in the background.
func (e *ElevenLabsTTS) Synthesize(ctx context.Context, text string) (<-chan entities.PlaybackSegment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: e.cfg.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       e.cfg.Stability,
			SimilarityBoost: e.cfg.Clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&enable_logging=false",
		e.cfg.APIBaseURL, e.cfg.VoiceID, e.cfg.OutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// PCM formats need the audio/pcm accept header.
	accept := "audio/mpeg"
	if strings.HasPrefix(e.cfg.OutputFormat, "pcm") {
		accept = "audio/pcm"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("synthesis API returned %d: %s", resp.StatusCode, errorBody)
	}

	segments := make(chan entities.PlaybackSegment, 10)

	go func() {
		defer close(segments)
		defer resp.Body.Close()

		buffer := make([]byte, e.cfg.SegmentSize)
		index := 0
		totalBytes := 0

		for {
			n, err := io.ReadFull(resp.Body, buffer)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buffer[:n])
				totalBytes += n

				select {
				case segments <- entities.PlaybackSegment{Index: index, Data: data, EnqueuedAt: time.Now()}:
					index++
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				e.logger.Debug("Finished streaming synthesized audio",
					zap.Int("segments", index),
					zap.Int("totalBytes", totalBytes))
				return
			}
			if err != nil {
				e.logger.Error("Error reading synthesis response", zap.Error(err))
				return
			}
		}
	}()

	return segments, nil
}
