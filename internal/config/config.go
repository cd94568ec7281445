package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every externally tunable knob of the call pipeline. The
// latency-sensitive values (stall timeout, duration cap, chunk interval)
// are deliberately env-driven rather than hard-coded: they track upstream
// service latency, not mechanism.
type Config struct {
	// HTTP API
	Port string

	// Session
	DurationCap     time.Duration
	CapPollInterval time.Duration
	MaxUtterance    time.Duration
	JWTSecret       string

	// Capture
	ChunkInterval time.Duration
	SampleRate    int

	// Streaming channel
	StreamingGatewayURL string
	StreamingIOTimeout  time.Duration

	// Chunked channel
	TranscribeTimeout time.Duration
	ModelTurnTimeout  time.Duration
	SynthesisTimeout  time.Duration

	// Response stream
	StreamIdleTimeout time.Duration

	// Playback
	PlaybackStallTimeout time.Duration

	// Collaborator endpoints
	LLMBaseURL    string
	LLMModel      string
	GeminiAPIKey  string
	TTSBaseURL    string
	TTSAPIKey     string
	TTSVoiceID    string
	MongoURI      string
	MongoDatabase string
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() Config {
	return Config{
		Port: getString("PORT", "8080"),

		DurationCap:     getDuration("CALL_DURATION_CAP", 30*time.Minute),
		CapPollInterval: getDuration("CALL_CAP_POLL_INTERVAL", time.Second),
		MaxUtterance:    getDuration("MAX_UTTERANCE", 15*time.Second),
		JWTSecret:       getString("JWT_SECRET", ""),

		ChunkInterval: getDuration("CAPTURE_CHUNK_INTERVAL", 100*time.Millisecond),
		SampleRate:    getInt("CAPTURE_SAMPLE_RATE", 16000),

		StreamingGatewayURL: getString("STREAMING_GATEWAY_URL", "ws://127.0.0.1:9090/realtime"),
		StreamingIOTimeout:  getDuration("STREAMING_IO_TIMEOUT", 15*time.Second),

		TranscribeTimeout: getDuration("TRANSCRIBE_TIMEOUT", 30*time.Second),
		ModelTurnTimeout:  getDuration("MODEL_TURN_TIMEOUT", 60*time.Second),
		SynthesisTimeout:  getDuration("SYNTHESIS_TIMEOUT", 60*time.Second),

		StreamIdleTimeout: getDuration("STREAM_IDLE_TIMEOUT", 30*time.Second),

		PlaybackStallTimeout: getDuration("PLAYBACK_STALL_TIMEOUT", 30*time.Second),

		LLMBaseURL:    getString("LLM_BASE_URL", "http://127.0.0.1:1234"),
		LLMModel:      getString("LLM_MODEL", "default"),
		GeminiAPIKey:  getString("GEMINI_API_KEY", ""),
		TTSBaseURL:    getString("TTS_BASE_URL", "https://api.elevenlabs.io/v1"),
		TTSAPIKey:     getString("TTS_API_KEY", ""),
		TTSVoiceID:    getString("TTS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		MongoURI:      getString("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase: getString("MONGODB_DATABASE", "novacall"),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
