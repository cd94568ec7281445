package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
)

// ChunkedConfig configures the chunked channel's per-stage timeouts. No
// network stage may block past its timeout; a stage that does fails the
// turn with a typed error instead of hanging.
type ChunkedConfig struct {
	Audio             repositories.AudioConfig
	TranscribeTimeout time.Duration
	ModelTurnTimeout  time.Duration
	SynthesisTimeout  time.Duration
}

// ChunkedChannel is the fallback strategy: the whole utterance is buffered,
// transcribed in one request, the model reply streams back through the
// response parser, and speech comes back as an ordered segment sequence.
// Higher latency than streaming, much simpler failure surface.
type ChunkedChannel struct {
	cfg    ChunkedConfig
	stt    repositories.SpeechToText
	llm    repositories.LanguageModel
	tts    repositories.TextToSpeech
	logger *zap.Logger

	// History supplies the conversation context for the model turn. The
	// session state machine owns the history; the channel only reads it.
	History func() []repositories.ChatMessage
}

// NewChunkedChannel creates the fallback channel.
func NewChunkedChannel(
	cfg ChunkedConfig,
	stt repositories.SpeechToText,
	llm repositories.LanguageModel,
	tts repositories.TextToSpeech,
	logger *zap.Logger,
) *ChunkedChannel {
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 30 * time.Second
	}
	if cfg.ModelTurnTimeout <= 0 {
		cfg.ModelTurnTimeout = 60 * time.Second
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = 60 * time.Second
	}
	return &ChunkedChannel{cfg: cfg, stt: stt, llm: llm, tts: tts, logger: logger}
}

func (c *ChunkedChannel) Transport() entities.Transport {
	return entities.TransportChunked
}

// RunTurn buffers the audio stream into one utterance and executes the
// transcribe → respond → synthesize sequence.
func (c *ChunkedChannel) RunTurn(ctx context.Context, audio <-chan entities.AudioChunk) (*Turn, error) {
	turn, emitter := newTurnEmitter()
	go func() {
		emitter.finish(c.runTurn(ctx, audio, emitter))
	}()
	return turn, nil
}

func (c *ChunkedChannel) runTurn(ctx context.Context, audio <-chan entities.AudioChunk, emitter *turnEmitter) error {
	utterance, fromSeq, toSeq, err := bufferUtterance(ctx, audio)
	if err != nil {
		return err
	}
	if len(utterance) == 0 {
		c.logger.Warn("Chunked turn received no audio")
		return nil
	}

	transcript, err := c.transcribe(ctx, utterance, fromSeq, toSeq)
	if err != nil {
		return err
	}
	emitter.transcripts <- transcript

	response, err := c.respond(ctx, transcript.Text, emitter)
	if err != nil {
		return err
	}
	if response == "" {
		c.logger.Warn("Model produced an empty response", zap.String("prompt", transcript.Text))
		return nil
	}

	return c.synthesize(ctx, response, emitter)
}

func bufferUtterance(ctx context.Context, audio <-chan entities.AudioChunk) ([]byte, uint64, uint64, error) {
	var (
		utterance []byte
		fromSeq   uint64
		toSeq     uint64
		first     = true
	)
	for {
		select {
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		case chunk, ok := <-audio:
			if !ok {
				return utterance, fromSeq, toSeq, nil
			}
			if first {
				fromSeq = chunk.Seq
				first = false
			}
			toSeq = chunk.Seq
			utterance = append(utterance, chunk.Data...)
		}
	}
}

func (c *ChunkedChannel) transcribe(ctx context.Context, utterance []byte, fromSeq, toSeq uint64) (entities.TranscriptEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TranscribeTimeout)
	defer cancel()

	event, err := c.stt.Transcribe(ctx, utterance, c.cfg.Audio)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return entities.TranscriptEvent{}, fmt.Errorf("%w: transcription exceeded %s", entities.ErrStreamTimeout, c.cfg.TranscribeTimeout)
		}
		return entities.TranscriptEvent{}, fmt.Errorf("transcription failed: %w", err)
	}
	event.Final = true
	event.FromSeq = fromSeq
	event.ToSeq = toSeq
	return event, nil
}

func (c *ChunkedChannel) respond(ctx context.Context, prompt string, emitter *turnEmitter) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ModelTurnTimeout)
	defer cancel()

	var history []repositories.ChatMessage
	if c.History != nil {
		history = c.History()
	}

	deltas, errs, err := c.llm.StreamResponse(ctx, history, prompt)
	if err != nil {
		return "", fmt.Errorf("model turn failed: %w", err)
	}

	var response string
	for deltas != nil || errs != nil {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("%w: model turn exceeded %s", entities.ErrStreamTimeout, c.cfg.ModelTurnTimeout)
			}
			return "", ctx.Err()
		case delta, ok := <-deltas:
			if !ok {
				deltas = nil
				continue
			}
			response += delta.Text
			emitter.deltas <- delta
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return "", fmt.Errorf("model stream failed: %w", err)
			}
		}
	}
	return response, nil
}

func (c *ChunkedChannel) synthesize(ctx context.Context, text string, emitter *turnEmitter) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SynthesisTimeout)
	defer cancel()

	segments, err := c.tts.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesis failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w: synthesis exceeded %s", entities.ErrStreamTimeout, c.cfg.SynthesisTimeout)
			}
			return ctx.Err()
		case segment, ok := <-segments:
			if !ok {
				return nil
			}
			emitter.segments <- segment
		}
	}
}
