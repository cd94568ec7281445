package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/domain/repositories"
)

type fakeSTT struct {
	text string
	err  error
	got  []byte
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, config repositories.AudioConfig) (entities.TranscriptEvent, error) {
	f.got = append([]byte(nil), audio...)
	if f.err != nil {
		return entities.TranscriptEvent{}, f.err
	}
	return entities.TranscriptEvent{Text: f.text, Final: true}, nil
}

func (f *fakeSTT) StartRecognizer(ctx context.Context, config repositories.AudioConfig) (repositories.Recognizer, error) {
	return nil, fmt.Errorf("not used in chunked turns")
}

type fakeLLM struct {
	reply      []string
	stall      bool
	gotHistory []repositories.ChatMessage
}

func (f *fakeLLM) StreamResponse(ctx context.Context, history []repositories.ChatMessage, prompt string) (<-chan entities.ResponseDelta, <-chan error, error) {
	f.gotHistory = history
	deltas := make(chan entities.ResponseDelta)
	errs := make(chan error)
	go func() {
		defer close(deltas)
		defer close(errs)
		if f.stall {
			<-ctx.Done()
			return
		}
		for i, text := range f.reply {
			select {
			case deltas <- entities.ResponseDelta{Index: i, Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return deltas, errs, nil
}

type fakeTTS struct {
	segments int
	gotText  string
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) (<-chan entities.PlaybackSegment, error) {
	f.gotText = text
	out := make(chan entities.PlaybackSegment, f.segments)
	for i := 0; i < f.segments; i++ {
		out <- entities.PlaybackSegment{Index: i, Data: []byte{byte(i)}}
	}
	close(out)
	return out, nil
}

func drainTurn(t *testing.T, turn *Turn) ([]entities.TranscriptEvent, []entities.ResponseDelta, []entities.PlaybackSegment, error) {
	t.Helper()
	var (
		transcripts []entities.TranscriptEvent
		deltas      []entities.ResponseDelta
		segments    []entities.PlaybackSegment
	)
	for turn.Transcripts != nil || turn.Deltas != nil || turn.Segments != nil {
		select {
		case ev, ok := <-turn.Transcripts:
			if !ok {
				turn.Transcripts = nil
				continue
			}
			transcripts = append(transcripts, ev)
		case d, ok := <-turn.Deltas:
			if !ok {
				turn.Deltas = nil
				continue
			}
			deltas = append(deltas, d)
		case s, ok := <-turn.Segments:
			if !ok {
				turn.Segments = nil
				continue
			}
			segments = append(segments, s)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining turn")
		}
	}
	return transcripts, deltas, segments, <-turn.Done
}

func TestChunkedTurnHappyPath(t *testing.T) {
	stt := &fakeSTT{text: "what is the weather"}
	llm := &fakeLLM{reply: []string{"It is ", "sunny."}}
	tts := &fakeTTS{segments: 3}

	ch := NewChunkedChannel(ChunkedConfig{
		Audio: repositories.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16", Language: "en-US"},
	}, stt, llm, tts, zap.NewNop())
	ch.History = func() []repositories.ChatMessage {
		return []repositories.ChatMessage{{Role: repositories.UserRole, Content: "earlier"}}
	}

	turn, err := ch.RunTurn(context.Background(), audioStream(
		entities.AudioChunk{Seq: 3, Data: []byte{1, 2}},
		entities.AudioChunk{Seq: 4, Data: []byte{3, 4}},
	))
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	transcripts, deltas, segments, done := drainTurn(t, turn)
	if done != nil {
		t.Fatalf("Expected nil outcome, got %v", done)
	}
	if len(transcripts) != 1 || transcripts[0].Text != "what is the weather" || !transcripts[0].Final {
		t.Errorf("Unexpected transcripts: %+v", transcripts)
	}
	if transcripts[0].FromSeq != 3 || transcripts[0].ToSeq != 4 {
		t.Errorf("Expected chunk span 3-4, got %d-%d", transcripts[0].FromSeq, transcripts[0].ToSeq)
	}
	if len(deltas) != 2 || deltas[0].Text+deltas[1].Text != "It is sunny." {
		t.Errorf("Unexpected deltas: %+v", deltas)
	}
	if len(segments) != 3 {
		t.Errorf("Expected 3 segments, got %d", len(segments))
	}
	if string(stt.got) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("Expected buffered utterance 1,2,3,4, got %v", stt.got)
	}
	if tts.gotText != "It is sunny." {
		t.Errorf("Expected synthesis of full reply, got %q", tts.gotText)
	}
	if len(llm.gotHistory) != 1 {
		t.Errorf("Expected history to reach the model, got %v", llm.gotHistory)
	}
}

func TestChunkedTurnEmptyAudio(t *testing.T) {
	ch := NewChunkedChannel(ChunkedConfig{}, &fakeSTT{}, &fakeLLM{}, &fakeTTS{}, zap.NewNop())
	turn, err := ch.RunTurn(context.Background(), audioStream())
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	transcripts, deltas, segments, done := drainTurn(t, turn)
	if done != nil {
		t.Errorf("Expected nil outcome, got %v", done)
	}
	if len(transcripts)+len(deltas)+len(segments) != 0 {
		t.Error("Expected no events for an empty utterance")
	}
}

func TestChunkedTurnTranscriptionError(t *testing.T) {
	stt := &fakeSTT{err: fmt.Errorf("upstream 500")}
	ch := NewChunkedChannel(ChunkedConfig{}, stt, &fakeLLM{}, &fakeTTS{}, zap.NewNop())

	turn, err := ch.RunTurn(context.Background(), audioStream(entities.AudioChunk{Data: []byte{1}}))
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	_, _, _, done := drainTurn(t, turn)
	if done == nil {
		t.Fatal("Expected transcription failure to fail the turn")
	}
}

func TestChunkedTurnModelTimeout(t *testing.T) {
	ch := NewChunkedChannel(ChunkedConfig{
		ModelTurnTimeout: 50 * time.Millisecond,
	}, &fakeSTT{text: "hi"}, &fakeLLM{stall: true}, &fakeTTS{}, zap.NewNop())

	turn, err := ch.RunTurn(context.Background(), audioStream(entities.AudioChunk{Data: []byte{1}}))
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	_, _, _, done := drainTurn(t, turn)
	if !errors.Is(done, entities.ErrStreamTimeout) {
		t.Errorf("Expected ErrStreamTimeout, got %v", done)
	}
}
