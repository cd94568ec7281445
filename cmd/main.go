package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/novavoice/callpipe/adapters/llm"
	"github.com/novavoice/callpipe/adapters/mongo"
	"github.com/novavoice/callpipe/adapters/stt"
	"github.com/novavoice/callpipe/adapters/tts"
	"github.com/novavoice/callpipe/domain/repositories"
	"github.com/novavoice/callpipe/internal/api"
	"github.com/novavoice/callpipe/internal/auth"
	"github.com/novavoice/callpipe/internal/capture"
	"github.com/novavoice/callpipe/internal/config"
	"github.com/novavoice/callpipe/internal/playback"
	"github.com/novavoice/callpipe/internal/session"
	"github.com/novavoice/callpipe/internal/transport"
)

// Synthesized audio is pcm_24000 regardless of the capture rate.
const playbackSampleRate = 24000

func main() {
	godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "insecure-dev-secret"
		logger.Warn("JWT_SECRET not set, using insecure development secret")
	}

	// Speech-to-text: Google when credentials are configured, mock otherwise.
	var speechToText repositories.SpeechToText
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" {
		speechToText = stt.NewGoogleSpeechToText(logger)
		logger.Info("Using Google speech-to-text")
	} else {
		speechToText = stt.NewMockSpeechToText(logger)
		logger.Warn("GOOGLE_APPLICATION_CREDENTIALS not set, using mock speech-to-text")
	}

	// Language model: Gemini when a key is configured, otherwise an
	// OpenAI-compatible local server. Only the latter exposes a health probe.
	var languageModel repositories.LanguageModel
	var probe api.UpstreamProbe
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiLanguageModel(context.Background(), llm.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create Gemini client", zap.Error(err))
		}
		languageModel = gemini
		logger.Info("Using Gemini language model")
	} else {
		local, err := llm.NewLMStudio(llm.LMStudioConfig{
			BaseURL:     cfg.LLMBaseURL + "/v1",
			Model:       cfg.LLMModel,
			IdleTimeout: cfg.StreamIdleTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create completion client", zap.Error(err))
		}
		languageModel = local
		probe = local
		logger.Info("Using local completion server", zap.String("baseURL", cfg.LLMBaseURL))
	}

	// Text-to-speech: Eleven Labs when a key is configured, mock otherwise.
	var textToSpeech repositories.TextToSpeech
	if cfg.TTSAPIKey != "" {
		eleven, err := tts.NewElevenLabsTTS(tts.ElevenLabsConfig{
			APIKey:     cfg.TTSAPIKey,
			APIBaseURL: cfg.TTSBaseURL,
			VoiceID:    cfg.TTSVoiceID,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create TTS client", zap.Error(err))
		}
		textToSpeech = eleven
		logger.Info("Using Eleven Labs text-to-speech")
	} else {
		textToSpeech = tts.NewMockTextToSpeech(logger)
		logger.Warn("TTS_API_KEY not set, using mock text-to-speech")
	}

	// Transcript persistence degrades to in-memory when MongoDB is down so a
	// development run never needs a database.
	var transcripts repositories.TranscriptStore
	var mongoClient *mongo.Client
	if client, err := mongo.NewClient(cfg.MongoURI, cfg.MongoDatabase, logger); err != nil {
		logger.Warn("MongoDB unavailable, keeping transcripts in memory", zap.Error(err))
		transcripts = mongo.NewInMemoryTranscriptStore(logger)
	} else {
		mongoClient = client
		transcripts = mongo.NewTranscriptStore(client, logger)
	}

	notifier := session.NewNotifier(logger)
	machine := session.NewMachine(session.Config{
		DurationCap:     cfg.DurationCap,
		CapPollInterval: cfg.CapPollInterval,
		MaxUtterance:    cfg.MaxUtterance,
	}, session.Deps{
		NewEngine: func() session.CaptureEngine {
			device := capture.NewFFmpegDevice(os.Getenv("FFMPEG_PATH"))
			return capture.NewEngine(device, cfg.SampleRate, cfg.ChunkInterval, logger)
		},
		NewChannels: func(sessionID string, profile capture.DeviceProfile, history func() []repositories.ChatMessage) (session.StreamingTransport, transport.Channel) {
			chunked := transport.NewChunkedChannel(transport.ChunkedConfig{
				Audio: repositories.AudioConfig{
					SampleRate: cfg.SampleRate,
					Encoding:   "LINEAR16",
					Language:   "en-US",
				},
				TranscribeTimeout: cfg.TranscribeTimeout,
				ModelTurnTimeout:  cfg.ModelTurnTimeout,
				SynthesisTimeout:  cfg.SynthesisTimeout,
			}, speechToText, languageModel, textToSpeech, logger)
			chunked.History = history

			var streaming session.StreamingTransport
			if cfg.StreamingGatewayURL != "" {
				streaming = transport.NewStreamingChannel(transport.StreamingConfig{
					GatewayURL:    cfg.StreamingGatewayURL,
					SessionID:     sessionID,
					SampleRate:    cfg.SampleRate,
					BufferSamples: capture.ClampBufferSize(profile.BufferSamples),
					IOTimeout:     cfg.StreamingIOTimeout,
				}, logger)
			}
			return streaming, chunked
		},
		NewQueue: func() session.PlaybackQueue {
			sink := playback.NewFFplaySink(os.Getenv("FFPLAY_PATH"), playbackSampleRate)
			return playback.NewQueue(sink, cfg.PlaybackStallTimeout, logger)
		},
		Transcripts: transcripts,
		Notifier:    notifier,
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handler := api.NewHandler(machine, notifier, auth.NewManager(jwtSecret), probe, logger)
	handler.Register(e)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Call pipeline started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// End every live call so transcripts persist before the process exits.
	machine.Shutdown()

	if mongoClient != nil {
		if err := mongoClient.Close(ctx); err != nil {
			logger.Error("Failed to close MongoDB connection", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
