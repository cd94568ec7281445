package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/internal/transport"
)

// StreamingTransport is the streaming channel variant plus the teardown
// surface the failover sequence depends on.
type StreamingTransport interface {
	transport.Channel
	Active() bool
	Teardown()
}

// TurnEvents receives the event streams of a turn as they arrive. Callbacks
// run on the turn's goroutine, in stream order.
type TurnEvents struct {
	OnTranscript func(entities.TranscriptEvent)
	OnDelta      func(entities.ResponseDelta)
	OnSegment    func(entities.PlaybackSegment)
}

// FailoverController owns channel selection for a call. It attempts the
// streaming channel first and, on a failoverable error, re-runs the turn
// exactly once on the chunked channel using the audio already captured.
// Once a call has fallen back it stays on the chunked channel.
//
// The controller only speaks the uniform Channel contract; it never branches
// on transport internals.
type FailoverController struct {
	streaming StreamingTransport // nil when the call is chunked-only
	chunked   transport.Channel
	logger    *zap.Logger

	// OnFallback runs after the streaming teardown and before the chunked
	// re-attempt, so the session's shared state can be reset in between.
	OnFallback func()

	fellBack bool
}

// NewFailoverController creates a controller for one call. streaming may be
// nil, in which case every turn runs chunked.
func NewFailoverController(streaming StreamingTransport, chunked transport.Channel, logger *zap.Logger) *FailoverController {
	return &FailoverController{streaming: streaming, chunked: chunked, logger: logger}
}

// FellBack reports whether the call has switched to the chunked channel.
func (f *FailoverController) FellBack() bool {
	return f.fellBack
}

// Teardown releases any transport resources still held.
func (f *FailoverController) Teardown() {
	if f.streaming != nil {
		f.streaming.Teardown()
	}
}

// RunTurn executes one turn, failing over to the chunked channel when the
// streaming attempt dies with a recoverable error. It returns the transport
// that carried (or last attempted) the turn.
func (f *FailoverController) RunTurn(ctx context.Context, audio <-chan entities.AudioChunk, events TurnEvents) (entities.Transport, error) {
	if f.streaming == nil || f.fellBack {
		return entities.TransportChunked, f.execute(ctx, f.chunked, audio, events)
	}

	rec := transport.NewRecorder()
	defer rec.Reset()
	teed := rec.Tee(audio)

	err := f.execute(ctx, f.streaming, teed, events)
	// The connection is turn-scoped: reset in-flight state before anything
	// else can observe it. Skipping this before a fallback attempt is the
	// "session already in progress" failure mode.
	f.streaming.Teardown()
	if err == nil {
		return entities.TransportStreaming, nil
	}
	if !entities.IsFailoverable(err) {
		// The feeder may keep delivering until its cutoff; keep consuming
		// the teed stream so its goroutine exits with the window.
		go func() {
			for range teed {
			}
		}()
		return entities.TransportStreaming, err
	}

	f.logger.Warn("Streaming turn failed, falling back to chunked channel",
		zap.String("kind", entities.ErrorKind(err)),
		zap.Error(err))
	f.fellBack = true
	if f.OnFallback != nil {
		f.OnFallback()
	}

	// The chunked attempt needs the complete utterance anyway; finish
	// recording whatever capture is still delivering, then replay.
	if err := drainAudio(ctx, teed); err != nil {
		return entities.TransportChunked, err
	}
	if err := f.execute(ctx, f.chunked, rec.Replay(nil), events); err != nil {
		return entities.TransportChunked, err
	}
	return entities.TransportChunked, nil
}

// execute runs one attempt on one channel and forwards its event streams.
func (f *FailoverController) execute(ctx context.Context, ch transport.Channel, audio <-chan entities.AudioChunk, events TurnEvents) error {
	turn, err := ch.RunTurn(ctx, audio)
	if err != nil {
		return err
	}

	transcripts, deltas, segments := turn.Transcripts, turn.Deltas, turn.Segments
	for transcripts != nil || deltas != nil || segments != nil {
		select {
		case ev, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			if events.OnTranscript != nil {
				events.OnTranscript(ev)
			}
		case d, ok := <-deltas:
			if !ok {
				deltas = nil
				continue
			}
			if events.OnDelta != nil {
				events.OnDelta(d)
			}
		case s, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			if events.OnSegment != nil {
				events.OnSegment(s)
			}
		}
	}
	return <-turn.Done
}

// drainAudio consumes the remainder of a turn's audio window. The recorder
// tee has already captured every chunk read here.
func drainAudio(ctx context.Context, audio <-chan entities.AudioChunk) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-audio:
			if !ok {
				return nil
			}
		}
	}
}
