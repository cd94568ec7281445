// Package transport implements the two channel strategies that carry one
// call turn: a persistent bidirectional streaming connection and a chunked
// request/response fallback. The failover controller selects between them
// through the uniform Channel contract and never branches on transport
// internals.
package transport

import (
	"context"
	"sync"

	"github.com/novavoice/callpipe/domain/entities"
)

// Channel runs one capture→transcript→response→speech turn.
type Channel interface {
	Transport() entities.Transport
	// RunTurn consumes the audio stream until it closes and produces the
	// turn's event streams. A non-nil error means the turn never started
	// (handshake-stage failure); mid-turn failures arrive on Turn.Done.
	RunTurn(ctx context.Context, audio <-chan entities.AudioChunk) (*Turn, error)
}

// Turn carries the event streams of one in-flight turn. All channels are
// closed when the turn completes; Done then yields exactly one value (nil on
// success).
type Turn struct {
	Transcripts <-chan entities.TranscriptEvent
	Deltas      <-chan entities.ResponseDelta
	Segments    <-chan entities.PlaybackSegment
	Done        <-chan error
}

// turnEmitter is the write side of a Turn.
type turnEmitter struct {
	transcripts chan entities.TranscriptEvent
	deltas      chan entities.ResponseDelta
	segments    chan entities.PlaybackSegment
	done        chan error
}

func newTurnEmitter() (*Turn, *turnEmitter) {
	e := &turnEmitter{
		transcripts: make(chan entities.TranscriptEvent, 8),
		deltas:      make(chan entities.ResponseDelta, 64),
		segments:    make(chan entities.PlaybackSegment, 64),
		done:        make(chan error, 1),
	}
	t := &Turn{
		Transcripts: e.transcripts,
		Deltas:      e.deltas,
		Segments:    e.segments,
		Done:        e.done,
	}
	return t, e
}

// finish closes the event streams and reports the turn outcome.
func (e *turnEmitter) finish(err error) {
	close(e.transcripts)
	close(e.deltas)
	close(e.segments)
	e.done <- err
	close(e.done)
}

// Recorder tees the audio forwarded to the active channel so that a
// failover can re-run the same turn without losing captured chunks.
type Recorder struct {
	mu     sync.Mutex
	chunks []entities.AudioChunk
}

// NewRecorder returns an empty per-turn recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Tee returns a stream mirroring in while recording every chunk.
func (r *Recorder) Tee(in <-chan entities.AudioChunk) <-chan entities.AudioChunk {
	out := make(chan entities.AudioChunk, cap(in)+1)
	go func() {
		defer close(out)
		for chunk := range in {
			r.mu.Lock()
			r.chunks = append(r.chunks, chunk)
			r.mu.Unlock()
			out <- chunk
		}
	}()
	return out
}

// Replay returns a stream that first replays everything recorded so far and
// then continues with live, recording it as it goes.
func (r *Recorder) Replay(live <-chan entities.AudioChunk) <-chan entities.AudioChunk {
	r.mu.Lock()
	recorded := make([]entities.AudioChunk, len(r.chunks))
	copy(recorded, r.chunks)
	r.mu.Unlock()

	out := make(chan entities.AudioChunk, len(recorded)+8)
	go func() {
		defer close(out)
		for _, chunk := range recorded {
			out <- chunk
		}
		if live == nil {
			return
		}
		for chunk := range live {
			r.mu.Lock()
			r.chunks = append(r.chunks, chunk)
			r.mu.Unlock()
			out <- chunk
		}
	}()
	return out
}

// Recorded returns a copy of the chunks captured for the current turn.
func (r *Recorder) Recorded() []entities.AudioChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entities.AudioChunk, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// Reset discards the recorded turn. Called when a turn completes so chunks
// never leak across turns.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.chunks = nil
	r.mu.Unlock()
}
