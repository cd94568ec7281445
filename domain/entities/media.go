package entities

import "time"

// AudioChunk is a fixed-duration slice of captured microphone signal.
// Chunks are scoped to one session; sequence numbers are monotonic and a
// chunk is never rewritten after it has been emitted.
type AudioChunk struct {
	// Data is raw PCM, 16-bit little-endian mono samples.
	Data       []byte    `json:"-"`
	SampleRate int       `json:"sample_rate"`
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
}

// SampleCount returns the number of 16-bit samples in the chunk.
func (c AudioChunk) SampleCount() int {
	return len(c.Data) / 2
}

// Duration returns the audible length of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.SampleCount()) * time.Second / time.Duration(c.SampleRate)
}

// TranscriptEvent is partial or final recognized text covering a contiguous
// span of audio chunks. Partial events may be superseded by later ones; a
// final event is immutable once emitted.
type TranscriptEvent struct {
	Text     string `json:"text"`
	Final    bool   `json:"final"`
	FromSeq  uint64 `json:"from_seq"`
	ToSeq    uint64 `json:"to_seq"`
	Language string `json:"language,omitempty"`
}

// ResponseDelta is one ordered fragment of model output text. Concatenating
// all deltas of a turn in index order reconstructs the response exactly once.
type ResponseDelta struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// PlaybackSegment is a synthesized audio unit. Segments are played strictly
// in Index order and discarded after playback or session teardown.
type PlaybackSegment struct {
	Index      int       `json:"index"`
	Data       []byte    `json:"-"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
